// cmd/kvcli is a thin demo CLI client for the line-delimited JSON/TCP
// protocol served by cmd/server.
//
// Usage:
//
//	kvcli get mykey              --server localhost:8080
//	kvcli put mykey "hello world" --server localhost:8080
//	kvcli delete mykey            --server localhost:8080
//	kvcli incr counter --by 5      --server localhost:8080
//	kvcli search "hello world"     --server localhost:8080
//	kvcli create-index category    --server localhost:8080
//	kvcli query-index category books --server localhost:8080
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"distributed-kvstore/internal/client"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "kvcli",
		Short: "CLI client for the distributed key-value store",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"localhost:8080", "KV store node address (host:port)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"Per-request timeout, including redirect hops")

	root.AddCommand(putCmd(), getCmd(), deleteCmd(), incrCmd(), searchCmd(),
		semanticSearchCmd(), createIndexCmd(), queryIndexCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store a key-value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			if err := c.Put(context.Background(), args[0], decodeValue(args[1])); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Retrieve a value by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			result, err := c.Get(context.Background(), args[0])
			if err == client.ErrNotFound {
				fmt.Printf("key %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			prettyPrint(result)
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			if err := c.Delete(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %q\n", args[0])
			return nil
		},
	}
}

func incrCmd() *cobra.Command {
	var by int64
	cmd := &cobra.Command{
		Use:   "incr <key>",
		Short: "Increment a key's integer value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			n, err := c.Incr(context.Background(), args[0], by)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
	cmd.Flags().Int64Var(&by, "by", 1, "Amount to add (may be negative)")
	return cmd
}

func searchCmd() *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a BM25 full-text search",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			result, err := c.Search(context.Background(), args[0], topK)
			if err != nil {
				return err
			}
			prettyPrint(result)
			return nil
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 10, "Max number of results")
	return cmd
}

func semanticSearchCmd() *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "semantic-search <query>",
		Short: "Run a TF-IDF cosine-similarity search",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			result, err := c.SemanticSearch(context.Background(), args[0], topK)
			if err != nil {
				return err
			}
			prettyPrint(result)
			return nil
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 10, "Max number of results")
	return cmd
}

func createIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-index <field>",
		Short: "Create a value index on a field (or _value for whole-value indexing)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			msg, err := c.CreateIndex(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(msg)
			return nil
		},
	}
}

func queryIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query-index <field> <value>",
		Short: "List keys whose indexed field equals value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			result, err := c.QueryIndex(context.Background(), args[0], decodeValue(args[1]))
			if err != nil {
				return err
			}
			prettyPrint(result)
			return nil
		},
	}
}

// decodeValue lets a CLI argument be a JSON literal (number, bool, object,
// array) when it parses as one, falling back to a plain string otherwise —
// so `kvcli put n 5` stores an integer but `kvcli put name bob` stores text.
func decodeValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func prettyPrint(raw json.RawMessage) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(string(data))
}
