package main

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/wildoasis/dashcache/core"
)

var (
	writeSet  []string
	writeBlob string
	writeRef  string
)

func createCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "create <resource>",
		Short: "Create a row, uploading its blob",
		Example: `  dashcache create cabins --set name=009 --set maxCapacity=4 --blob ./cabin-009.jpg
  dashcache create guests --set fullName="Ada Lovelace" --ref https://cdn.test/avatars/ada.png`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cmdWrite(args[0], "")
		},
	}
	writeFlags(c)
	return c
}

func editCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "edit <resource> <id>",
		Short: "Edit a row, optionally replacing its blob",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			cmdWrite(args[0], args[1])
		},
	}
	writeFlags(c)
	return c
}

func writeFlags(c *cobra.Command) {
	c.Flags().StringArrayVar(&writeSet, "set", nil, "Set a field, as field=value")
	c.Flags().StringVar(&writeBlob, "blob", "", "File uploaded as the blob of the row")
	c.Flags().StringVar(&writeRef, "ref", "", "Existing blob path stored as is")
	c.MarkFlagsMutuallyExclusive("blob", "ref")
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <resource> <id>",
		Short: "Delete a row",
		Args:  cobra.ExactArgs(2),
		Run:   cmdDelete,
	}
}

func cmdWrite(resource, id string) {
	s := newService()
	defer s.Close()

	payload, err := buildPayload(writeSet)
	if err != nil {
		log.Fatal(err)
	}

	flow := s.Client().Workflow()
	if flow == nil {
		log.Fatal("no blob storage configured")
	}
	field := flow.Spec(resource).BlobField
	switch {
	case writeBlob != "":
		b, err := readBlob(writeBlob)
		if err != nil {
			log.Fatal(err)
		}
		payload[field] = b
	case writeRef != "":
		payload[field] = writeRef
	}

	row, err := s.Client().CreateOrUpdateResource(context.Background(), resource, payload, id)
	if err != nil {
		reportWriteError(err)
		os.Exit(1)
	}
	printJSON(row)
}

func cmdDelete(cmd *cobra.Command, args []string) {
	s := newService()
	defer s.Close()

	rows, err := s.Client().Remove(context.Background(), args[0], args[1])
	if err != nil {
		log.Fatal(err)
	}
	if len(rows) == 0 {
		log.Warnf("%s %s was not found", args[0], args[1])
	}
	printJSON(rows)
}

func buildPayload(set []string) (core.Row, error) {
	row := core.Row{}
	for _, kv := range set {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--set must be field=value: %q", kv)
		}
		row[k] = parseValue(v)
	}
	return row, nil
}

func readBlob(fn string) (core.Blob, error) {
	data, err := os.ReadFile(fn)
	if err != nil {
		return core.Blob{}, err
	}

	ct := mime.TypeByExtension(filepath.Ext(fn))
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return core.Blob{Name: filepath.Base(fn), ContentType: ct, Data: data}, nil
}

// reportWriteError logs a failed write at the level of its severity
func reportWriteError(err error) {
	if core.SeverityOf(err) == core.SeverityCritical {
		log.Errorw(err.Error(), "severity", core.SeverityCritical)
		return
	}
	log.Error(err)
}
