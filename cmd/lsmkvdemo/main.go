// Command lsmkvdemo drives the lsm package through the same handful of
// scenarios the original project's example binaries exercised: a plain
// put/delete/reinsert walk, a reopen over an existing directory, a
// concurrent put/update/delete burst, and a transactional counter that
// alternates committed and aborted updates.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"lsmkv/lsm"
)

func main() {
	scenario := flag.String("scenario", "basic", "one of: basic, disk, concurrency, acid")
	dir := flag.String("dir", "", "database directory (defaults to a temp dir)")
	flag.Parse()

	path := *dir
	if path == "" {
		var err error
		path, err = os.MkdirTemp("", "lsmkvdemo-")
		if err != nil {
			log.Fatalf("lsmkvdemo: %v", err)
		}
	}
	fmt.Printf("db_path = %s\n", path)

	switch *scenario {
	case "basic":
		runBasic(path)
	case "disk":
		runDisk(path)
	case "concurrency":
		runConcurrency(path)
	case "acid":
		runACID(path)
	default:
		log.Fatalf("lsmkvdemo: unknown scenario %q", *scenario)
	}
}

func mustOpen(path string) *lsm.DB {
	db, err := lsm.Open(path, lsm.WithLogger(lsm.NewStdLogger(log.New(os.Stderr, "", log.LstdFlags))))
	if err != nil {
		log.Fatalf("lsmkvdemo: open: %v", err)
	}
	return db
}

func get(db *lsm.DB, key string) string {
	v, found, err := db.Search([]byte(key), nil)
	if err != nil {
		log.Fatalf("lsmkvdemo: search %q: %v", key, err)
	}
	if !found {
		return "<not found>"
	}
	return string(v)
}

// runBasic mirrors the original project's examples/basic.rs: insert, read,
// delete, reinsert.
func runBasic(path string) {
	db := mustOpen(path)
	defer db.Close()

	must(db.Insert([]byte("A"), []byte("3")))
	must(db.Insert([]byte("B"), []byte("4")))
	fmt.Printf("GET A = %s\n", get(db, "A"))
	fmt.Printf("GET B = %s\n", get(db, "B"))

	must(db.Delete([]byte("A")))
	must(db.Delete([]byte("B")))
	must(db.Insert([]byte("A"), []byte("5")))
	fmt.Printf("GET A = %s\n", get(db, "A"))
	fmt.Printf("GET B = %s\n", get(db, "B"))

	must(db.Insert([]byte("B"), []byte("5")))
	fmt.Printf("GET B = %s\n", get(db, "B"))
}

// runDisk mirrors examples/disk.rs: open an existing directory and read
// back whatever a prior run left behind, without writing anything new.
func runDisk(path string) {
	db := mustOpen(path)
	defer db.Close()

	fmt.Printf("GET A = %s\n", get(db, "A"))
	fmt.Printf("GET B = %s\n", get(db, "B"))
}

func u64Bytes(i uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, i)
	return b
}

func bytesU64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func addOne(v []byte) []byte { return u64Bytes(bytesU64(v) + 1) }

// runConcurrency mirrors examples/concurrency.rs: three goroutines each
// drive their own pair of keys through insert/update/search/delete with no
// coordination beyond the engine's own locking.
func runConcurrency(path string) {
	db := mustOpen(path)
	defer db.Close()

	pairs := [][2]string{{"A", "B"}, {"C", "D"}, {"E", "F"}}
	var wg sync.WaitGroup
	for _, pair := range pairs {
		wg.Add(1)
		go func(k1, k2 string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				must(db.Insert([]byte(k1), u64Bytes(1)))
				must(db.Insert([]byte(k2), u64Bytes(1)))
				must(db.Update([]byte(k1), addOne))
				must(db.Update([]byte(k2), addOne))
				fmt.Printf("GET %s = %s\n", k1, get(db, k1))
				must(db.Delete([]byte(k1)))
				fmt.Printf("GET %s = %s\n", k2, get(db, k2))
				must(db.Delete([]byte(k2)))
			}
		}(pair[0], pair[1])
	}
	wg.Wait()
}

// runACID mirrors examples/acid.rs: three goroutines for 60 seconds each
// run two committed +1×10 transactions on A and B followed by one aborted
// -1×10 transaction, starting from A = B = 1. A == B must hold throughout.
func runACID(path string) {
	db := mustOpen(path)
	defer db.Close()

	must(db.Insert([]byte("A"), u64Bytes(1)))
	must(db.Insert([]byte("B"), u64Bytes(1)))

	const threads = 3
	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			deadline := time.Now().Add(60 * time.Second)
			iter := 0
			for time.Now().Before(deadline) {
				fmt.Printf("thread %d, iter %d\n", id, iter)
				iter++

				runTx(db, false, addOne)
				runTx(db, false, addOne)
				runTx(db, true, subOne)
			}
		}(i)
	}
	wg.Wait()

	fmt.Printf("GET A = %d\n", bytesU64([]byte(get(db, "A"))))
	fmt.Printf("GET B = %d\n", bytesU64([]byte(get(db, "B"))))
}

func subOne(v []byte) []byte { return u64Bytes(bytesU64(v) - 1) }

func runTx(db *lsm.DB, abort bool, f func([]byte) []byte) {
	txID, seq, err := db.TxBegin()
	if err != nil {
		log.Fatalf("lsmkvdemo: tx begin: %v", err)
	}
	for i := 0; i < 10; i++ {
		key := "A"
		if i%2 == 1 {
			key = "B"
		}
		if err := db.TxUpdate(txID, seq, []byte(key), f); err != nil {
			log.Fatalf("lsmkvdemo: tx update: %v", err)
		}
	}
	if abort {
		must(db.TxAbort(txID))
		return
	}
	must(db.TxCommit(txID))
}

func must(err error) {
	if err != nil {
		log.Fatalf("lsmkvdemo: %v", err)
	}
}
