package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"hammersbald/pkg/config"
	"hammersbald/pkg/db"
	"hammersbald/pkg/hash"

	"golang.org/x/sync/errgroup"
)

var MAX_DELAY int64 = 10

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

// Get delay jitter.
func jitter() time.Duration {
	return time.Duration(rand.Int63n(MAX_DELAY)+1) * time.Millisecond
}

// Parse workload.
func parseWorkload(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	var workload []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		workload = append(workload, scanner.Text())
	}
	return workload, scanner.Err()
}

// Generate a synthetic workload of n puts interleaved with gets and batches.
func generateWorkload(n int) []string {
	workload := make([]string, 0, n+n/4+n/100)
	for i := 0; i < n; i++ {
		workload = append(workload, fmt.Sprintf("put key_%04d val_%08d", i%(n/2+1), i))
		if i%4 == 0 {
			workload = append(workload, fmt.Sprintf("get key_%04d", rand.Intn(i%(n/2+1)+1)))
		}
		if i%100 == 99 {
			workload = append(workload, "batch")
		}
	}
	return workload
}

// Run every idx-th operation of the workload against the store.
func handleWorkload(store *db.DB, workload []string, idx, n int) error {
	for i := idx; i < len(workload); i += n {
		time.Sleep(jitter())
		fields := strings.Fields(workload[i])
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "put":
			if len(fields) != 3 {
				return fmt.Errorf("line %d: usage: put <key> <value>", i)
			}
			if _, err := store.Put([]byte(fields[1]), []byte(fields[2])); err != nil {
				return fmt.Errorf("line %d: %w", i, err)
			}
		case "get":
			if len(fields) != 2 {
				return fmt.Errorf("line %d: usage: get <key>", i)
			}
			if _, _, _, err := store.Get([]byte(fields[1])); err != nil {
				return fmt.Errorf("line %d: %w", i, err)
			}
		case "batch":
			if err := store.Batch(); err != nil {
				return fmt.Errorf("line %d: %w", i, err)
			}
		default:
			return fmt.Errorf("line %d: unknown operation %q", i, fields[0])
		}
	}
	return nil
}

// Check that every key holds the value of its last put. Only meaningful for
// single-threaded runs; concurrent writers race on overwrites.
func verify(store *db.DB, workload []string) error {
	expected := make(map[string]string)
	for _, line := range workload {
		fields := strings.Fields(line)
		if len(fields) == 3 && fields[0] == "put" {
			expected[fields[1]] = fields[2]
		}
	}
	for key, value := range expected {
		_, got, found, err := store.Get([]byte(key))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("key %q missing after workload", key)
		}
		if !bytes.Equal(got, []byte(value)) {
			return fmt.Errorf("key %q holds %q, expected %q", key, got, value)
		}
	}
	stats, err := store.Stats()
	if err != nil {
		return err
	}
	fmt.Println("verified", len(expected), "keys;", stats)
	return nil
}

// Stress the store.
func main() {
	var dbFlag = flag.String("db", "data/"+config.DBName, "store base path")
	var workloadFlag = flag.String("workload", "", "workload file (or -gen)")
	var genFlag = flag.Int("gen", 0, "generate a synthetic workload of this many puts")
	var nFlag = flag.Int("n", 1, "number of client goroutines")
	var hasherFlag = flag.String("hasher", "xxhash", "key hasher: [xxhash,murmur]")
	var verifyFlag = flag.Bool("verify", false, "verify store state at the end of the workload")
	flag.Parse()

	hasher, err := hash.HasherByName(*hasherFlag)
	if err != nil {
		fmt.Println(err)
		return
	}
	store, err := db.OpenHasher(*dbFlag, config.DefaultCachePages, config.DefaultBucketFillTarget, hasher)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer store.Close()
	setupCloseHandler(store)

	var workload []string
	switch {
	case *workloadFlag != "":
		workload, err = parseWorkload(*workloadFlag)
		if err != nil {
			fmt.Println(err)
			return
		}
	case *genFlag > 0:
		workload = generateWorkload(*genFlag)
	default:
		fmt.Println("must specify -workload <file> or -gen <n>")
		return
	}

	var g errgroup.Group
	for idx := 0; idx < *nFlag; idx++ {
		idx := idx
		g.Go(func() error {
			return handleWorkload(store, workload, idx, *nFlag)
		})
	}
	if err = g.Wait(); err != nil {
		fmt.Println(err)
		return
	}
	if err = store.Batch(); err != nil {
		fmt.Println(err)
		return
	}
	if *verifyFlag {
		if err = verify(store, workload); err != nil {
			fmt.Println(err)
			return
		}
	}
	fmt.Println("workload complete")
}
