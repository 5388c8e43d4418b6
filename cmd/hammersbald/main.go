package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"hammersbald/pkg/config"
	"hammersbald/pkg/db"
	"hammersbald/pkg/hash"
	"hammersbald/pkg/repl"

	"github.com/google/uuid"
)

// Default port 8335 (BEES).
const DEFAULT_PORT int = 8335

// Listens for SIGINT or SIGTERM and closes the store.
func setupCloseHandler(store *db.DB) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		fmt.Println("closehandler invoked")
		store.Close()
		os.Exit(0)
	}()
}

// Start listening for connections at port `port`, serving each one a REPL.
func startServer(r *repl.REPL, prompt string, port int) {
	handleConn := func(c net.Conn) {
		defer c.Close()
		r.Run(uuid.New(), prompt, c, c)
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%v", port))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%v server started listening on localhost:%v\n", config.DBName,
		listener.Addr().(*net.TCPAddr).Port)
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Print(err)
			continue
		}
		go handleConn(conn)
	}
}

// Start the store.
func main() {
	var promptFlag = flag.Bool("c", true, "use prompt?")
	var dbFlag = flag.String("db", "data/"+config.DBName, "store base path")
	var cacheFlag = flag.Int("cache", config.DefaultCachePages, "page cache capacity per file")
	var targetFlag = flag.Int("target", config.DefaultBucketFillTarget, "bucket fill target")
	var hasherFlag = flag.String("hasher", "xxhash", "key hasher: [xxhash,murmur]")
	var serverFlag = flag.Bool("server", false, "serve the REPL over TCP")
	var portFlag = flag.Int("p", DEFAULT_PORT, "port number")
	var rebuildFlag = flag.Bool("rebuild", false, "rebuild the hash table from the data file before serving")
	flag.Parse()

	hasher, err := hash.HasherByName(*hasherFlag)
	if err != nil {
		fmt.Println(err)
		return
	}

	// Open the store, rebuilding the table first if asked to.
	var store *db.DB
	if *rebuildFlag {
		store, err = db.RebuildHasher(*dbFlag, *cacheFlag, *targetFlag, hasher)
	} else {
		store, err = db.OpenHasher(*dbFlag, *cacheFlag, *targetFlag, hasher)
	}
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()
	setupCloseHandler(store)

	prompt := config.GetPrompt(*promptFlag)
	r := db.DBRepl(store)
	if *serverFlag {
		startServer(r, prompt, *portFlag)
	} else {
		r.Run(uuid.New(), prompt, nil, nil)
	}
}
