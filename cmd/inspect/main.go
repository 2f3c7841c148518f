// Command inspect dumps the document checkpoints in a store file.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/ConstantineB6/femtanyl.systems/internal/store"
)

func main() {
	path := flag.String("data", "sync.db", "path to the checkpoint store")
	full := flag.Bool("full", false, "print every entry, not just the summary")
	flag.Parse()

	st, err := store.Open(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	names, err := st.ListDocuments(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list: %v\n", err)
		os.Exit(1)
	}
	if len(names) == 0 {
		fmt.Println("no documents")
		return
	}

	for _, name := range names {
		snap, err := st.LoadDocument(ctx, name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load %s: %v\n", name, err)
			os.Exit(1)
		}
		fp := snap.Fingerprint()
		fmt.Printf("%s\n", name)
		fmt.Printf("  version     %d\n", snap.Version)
		fmt.Printf("  keys        %d\n", len(snap.Entries))
		fmt.Printf("  fingerprint %s\n", hex.EncodeToString(fp[:]))
		if *full {
			for _, e := range snap.Entries {
				fmt.Printf("    %-24s %q\n", e.Key, e.Value)
			}
		}
	}
}
