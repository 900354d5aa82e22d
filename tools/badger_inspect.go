// badger_inspect dumps the chat store as a table. Point it at a
// server's data directory while the server is stopped, or at a copy.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/olekukonko/tablewriter"
)

func main() {
	dbPath := flag.String("db", "./data", "Path to badger DB")
	// Default to chat rows; pass msg:, part:, read:, chat-rescue: or
	// chat-user: to scan the other namespaces.
	prefix := flag.String("prefix", "chat:", "Prefix to scan")
	flag.Parse()

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Kind", "Timestamp", "Fields"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(*prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			key := string(item.Key())

			err := item.Value(func(v []byte) error {
				table.Append([]string{key, kindOf(key), timestampOf(key), describe(v)})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}

	table.Render()
}

func kindOf(key string) string {
	namespace, _, _ := strings.Cut(key, ":")
	return strings.ToUpper(namespace)
}

// timestampOf recovers the creation time embedded in message keys:
// msg:{chat}:{nanos}:{id}. Other namespaces carry none.
func timestampOf(key string) string {
	parts := strings.Split(key, ":")
	if parts[0] != "msg" || len(parts) < 4 {
		return "--:--:--"
	}
	tsNano, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "--:--:--"
	}
	return time.Unix(0, tsNano).Format("15:04:05")
}

// describe renders a CBOR row as sorted key=value pairs. Index entries
// whose value is a bare key reference print as-is.
func describe(val []byte) string {
	var decoded map[string]any
	if err := cbor.Unmarshal(val, &decoded); err != nil {
		return string(val)
	}

	keys := make([]string, 0, len(decoded))
	for k := range decoded {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := decoded[k]
		if s, ok := v.(string); ok && len(s) > 40 {
			v = s[:40] + "…"
		}
		fmt.Fprintf(&b, "%s=%v ", k, v)
	}
	return strings.TrimSpace(b.String())
}

func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true).
		WithValueLogFileSize(10 * 1024 * 1024)

	db, err := badger.Open(opts)
	if err != nil {
		// A dirty shutdown leaves the value log needing a truncate,
		// which read-only mode refuses. Open in write mode once to
		// repair, then reopen read-only.
		if strings.Contains(err.Error(), "Log truncate required") {
			repairOpts := badger.DefaultOptions(path).
				WithLogger(nil).WithBypassLockGuard(true)

			db, err = badger.Open(repairOpts)
			if err != nil {
				return nil, fmt.Errorf("repair failed: %w", err)
			}
			db.Close()
			return badger.Open(opts)
		}
		return nil, err
	}
	return db, nil
}
