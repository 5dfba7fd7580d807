package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/mindgrove/weave/crdt"
	"github.com/mindgrove/weave/replica"
)

const WeaveCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Weave control.

Usage:
    weavectl inspect <cache_dir>
    weavectl clear <cache_dir> <doc_name>
    weavectl tail <cache_dir> --space=<space_id>
    weavectl login [--api_url=<api_url>] --user=<user>

Options:
    -h --help              Show this screen.
    --version              Show version.
    --space=<space_id>     Space id of the append log to read.
    --api_url=<api_url>    Relay api url [default: https://api.mindgrove.com].
    --user=<user>          User auth (email).`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], WeaveCtlVersion)
	if err != nil {
		panic(err)
	}

	if inspect_, _ := opts.Bool("inspect"); inspect_ {
		replica.Trace("inspect", func() {
			inspect(opts)
		})
	} else if clear_, _ := opts.Bool("clear"); clear_ {
		replica.Trace("clear", func() {
			clear(opts)
		})
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		replica.Trace("tail", func() {
			tail(opts)
		})
	} else if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	}
}

func openDb(opts docopt.Opts) *badger.DB {
	cacheDir, _ := opts.String("<cache_dir>")
	db, err := replica.OpenBadgerDb(cacheDir)
	if err != nil {
		Err.Fatalf("could not open cache dir: %s", err)
	}
	return db
}

func inspect(opts docopt.Opts) {
	db := openDb(opts)
	defer db.Close()

	type docStats struct {
		hasState    bool
		updateCount int
		byteCount   int64
	}
	stats := map[string]*docStats{}

	docCount := replica.TraceWithReturn("scan", func() int {
		err := db.View(func(txn *badger.Txn) error {
			options := badger.DefaultIteratorOptions
			options.PrefetchValues = false
			it := txn.NewIterator(options)
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				item := it.Item()
				key := string(item.Key())
				var name string
				var state bool
				if strings.HasPrefix(key, "s/") {
					name = key[2:]
					state = true
				} else if strings.HasPrefix(key, "u/") {
					i := strings.LastIndex(key, "/")
					name = key[2:i]
				} else {
					continue
				}
				s, ok := stats[name]
				if !ok {
					s = &docStats{}
					stats[name] = s
				}
				if state {
					s.hasState = true
				} else {
					s.updateCount += 1
				}
				s.byteCount += item.EstimatedSize()
			}
			return nil
		})
		if err != nil {
			Err.Fatalf("inspect error: %s", err)
		}

		names := []string{}
		for name := range stats {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			s := stats[name]
			Out.Printf("%s state=%t updates=%d ~%db", name, s.hasState, s.updateCount, s.byteCount)
		}
		return len(names)
	})
	Out.Printf("%d docs", docCount)
}

func clear(opts docopt.Opts) {
	db := openDb(opts)
	defer db.Close()

	docName, _ := opts.String("<doc_name>")
	store := replica.NewBadgerStoreWithDefaults(db)
	if err := store.Clear(context.Background(), docName); err != nil {
		Err.Fatalf("clear error: %s", err)
	}
	Out.Printf("cleared %s", docName)
}

func tail(opts docopt.Opts) {
	db := openDb(opts)
	defer db.Close()

	spaceIdStr, _ := opts.String("--space")
	spaceId, err := replica.ParseId(spaceIdStr)
	if err != nil {
		Err.Fatalf("bad space id: %s", err)
	}

	store := replica.NewBadgerStoreWithDefaults(db)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	loadDoc := func(name string) replica.Doc {
		doc := crdt.NewDoc()
		localDoc, err := store.Open(name, doc)
		if err != nil {
			Err.Fatalf("could not open %s: %s", name, err)
		}
		defer localDoc.Destroy()
		select {
		case <-localDoc.Synced():
		case <-ctx.Done():
			Err.Fatalf("timeout loading %s", name)
		}
		return doc
	}

	rootDoc := loadDoc(replica.LogDocName(spaceId))
	blockFields := rootDoc.Fields()
	sort.Strings(blockFields)

	count := 0
	for _, blockField := range blockFields {
		if !strings.HasPrefix(blockField, "b:") {
			continue
		}
		blockName, _ := rootDoc.Get(blockField)
		blockDoc := loadDoc(blockName)
		entryFields := blockDoc.Fields()
		sort.Strings(entryFields)
		for _, entryField := range entryFields {
			if !strings.HasPrefix(entryField, "e:") {
				continue
			}
			value, _ := blockDoc.Get(entryField)
			var entry replica.LogEntry
			if err := json.Unmarshal([]byte(value), &entry); err != nil {
				Err.Printf("bad entry at %s/%s: %s", blockField, entryField, err)
				continue
			}
			Out.Printf("%s/%s %s %s %s", blockField, entryField, entry.Kind, entry.Action, entry.Target)
			count += 1
		}
	}
	Out.Printf("%d entries", count)
}

func login(opts docopt.Opts) {
	apiUrl, _ := opts.String("--api_url")
	user, _ := opts.String("--user")

	fmt.Fprint(os.Stderr, "password: ")
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("could not read password: %s", err)
	}

	loginJson, err := json.Marshal(map[string]string{
		"user_auth": user,
		"password":  string(password),
	})
	if err != nil {
		panic(err)
	}

	response, err := http.Post(
		fmt.Sprintf("%s/auth/login", apiUrl),
		"application/json",
		bytes.NewReader(loginJson),
	)
	if err != nil {
		Err.Fatalf("login error: %s", err)
	}
	defer response.Body.Close()

	var result struct {
		ByJwt string `json:"by_jwt"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		Err.Fatalf("login response error: %s", err)
	}
	if result.Error != "" {
		Err.Fatalf("login error: %s", result.Error)
	}
	Out.Printf("%s", result.ByJwt)
}
