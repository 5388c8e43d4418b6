package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"

	"hammersbald/pkg/config"
)

// Writes everything from src to dest.
func mustCopy(dst io.Writer, src io.Reader) {
	if _, err := io.Copy(dst, src); err != nil {
		log.Fatal(err)
	}
}

// Connect to the store server and send commands to it.
func main() {
	var port = flag.Int("p", 0, "port number")
	flag.Parse()
	if *port == 0 {
		fmt.Println("usage: ./" + config.DBName + "_client -p <port>")
		return
	}
	conn, err := net.Dial("tcp", fmt.Sprintf(":%v", *port))
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()
	go mustCopy(os.Stdout, conn)
	mustCopy(conn, os.Stdin)
}
