package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/wildoasis/dashcache/core"
)

var (
	listFilter   string
	listMethod   string
	listWatch    bool
	listInterval time.Duration
)

func listCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "list <resource>",
		Short: "List the rows of a resource through the query cache",
		Long: `List the rows of a resource through the query cache.

With --watch the list stays subscribed and is printed each time the
cached entry changes. Every interval the session regains attention,
refetching the lists that went stale.`,
		Example: `  dashcache list bookings --filter status=checked-in
  dashcache list cabins --filter maxCapacity=4 --method gte --watch`,
		Args: cobra.ExactArgs(1),
		Run:  cmdList,
	}

	c.Flags().StringVar(&listFilter, "filter", "", "Filter rows by field=value")
	c.Flags().StringVar(&listMethod, "method", core.MethodEq, "Filter comparison: eq, neq, gt, gte, lt, lte")
	c.Flags().BoolVarP(&listWatch, "watch", "w", false, "Keep watching the list for changes")
	c.Flags().DurationVar(&listInterval, "interval", 30*time.Second, "Refetch interval when watching")
	return c
}

func cmdList(cmd *cobra.Command, args []string) {
	resource := args[0]

	filter, err := parseFilter(listFilter, listMethod)
	if err != nil {
		log.Fatal(err)
	}

	s := newService()
	defer s.Close()
	client := s.Client()

	ctx, cancel := signalContext()
	defer cancel()

	rows, err := client.List(ctx, resource, filter, core.UseDefault)
	if err != nil {
		log.Fatal(err)
	}
	printJSON(rows)

	if !listWatch {
		return
	}

	key := core.ListKey(resource, filter)
	unsubscribe := client.Subscribe(key, func(e core.CacheEntry) {
		switch e.Status {
		case core.StatusErrored:
			log.Warnf("%s: %s", key, e.Err)
		case core.StatusFresh:
			printJSON(e.Data)
		default:
			log.Debugf("%s: %s", key, e.Status)
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(listInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			client.Wait()
			return
		case <-ticker.C:
			if n := client.AttentionRegained(); n != 0 {
				log.Debugf("refetching %d queries", n)
			}
		}
	}
}

// parseFilter parses a field=value filter. An empty string is no filter.
func parseFilter(s, method string) (*core.Filter, error) {
	if s == "" {
		return nil, nil
	}

	field, value, ok := strings.Cut(s, "=")
	if !ok || field == "" {
		return nil, fmt.Errorf("filter must be field=value: %q", s)
	}

	switch method {
	case core.MethodEq, core.MethodNeq, core.MethodGt,
		core.MethodGte, core.MethodLt, core.MethodLte:
	default:
		return nil, fmt.Errorf("unknown filter method: %q", method)
	}

	return &core.Filter{Field: field, Method: method, Value: parseValue(value)}, nil
}

// parseValue reads a flag value as a number or boolean when it is one
func parseValue(s string) any {
	// numbers with leading zeros, like cabin names, stay strings
	if len(s) > 1 && s[0] == '0' && s[1] != '.' {
		return s
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Error(err)
		return
	}
	fmt.Println(string(b))
}
