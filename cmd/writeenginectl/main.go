// Command writeenginectl is a small CLI driving a single embedded
// write-engine store (spec section 6, "[ADDED] cmd/writeenginectl"),
// grounded on services/mddb-cli/main.go's single-binary-per-store shape
// — here talking to an in-process bbolt file instead of an HTTP server,
// since the write engine has no network surface of its own.
package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stalwartlabs/storewrite/internal/batch"
	"github.com/stalwartlabs/storewrite/internal/config"
	"github.com/stalwartlabs/storewrite/internal/engine"
	"github.com/stalwartlabs/storewrite/internal/keycodec"
	"github.com/stalwartlabs/storewrite/internal/kvbackend"
)

var (
	dbPath  string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "writeenginectl",
		Short:   "Write-engine command-line driver",
		Long:    `writeenginectl drives a single embedded write-engine store, executing JSON-encoded batches and administrative operations against it.`,
		Version: "1.0.0",
	}
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "writeengine.db", "Path to the bbolt database file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	writeCmd := &cobra.Command{
		Use:   "write",
		Short: "Execute a JSON-encoded batch read from stdin",
		Args:  cobra.NoArgs,
		RunE:  runWrite,
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every zero-valued counter/quota entry",
		Args:  cobra.NoArgs,
		RunE:  runPurge,
	}

	deleteRangeCmd := &cobra.Command{
		Use:   "delete-range",
		Short: "Delete every key in [from, to) within a subspace",
		Args:  cobra.NoArgs,
		RunE:  runDeleteRange,
	}
	deleteRangeCmd.Flags().String("subspace", "v", "Subspace byte: c, q, v, i, b, or l")
	deleteRangeCmd.Flags().String("from", "", "Hex-encoded range start, inclusive")
	deleteRangeCmd.Flags().String("to", "", "Hex-encoded range end, exclusive")

	rootCmd.AddCommand(writeCmd, purgeCmd, deleteRangeCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	if verbose {
		l, _ := zap.NewDevelopment()
		return l
	}
	return zap.NewNop()
}

func openEngine() (*engine.Engine, *kvbackend.Store, error) {
	store, err := kvbackend.Open(dbPath, config.DefaultKV(), newLogger())
	if err != nil {
		return nil, nil, err
	}
	return engine.New(store), store, nil
}

func runWrite(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}

	var wb wireBatch
	if err := json.Unmarshal(raw, &wb); err != nil {
		return fmt.Errorf("decoding batch: %w", err)
	}
	b, err := wb.toBatch()
	if err != nil {
		return fmt.Errorf("translating batch: %w", err)
	}

	eng, store, err := openEngine()
	if err != nil {
		return err
	}
	defer store.Close()

	ids, err := eng.Write(ctx, b)
	if err != nil {
		return err
	}

	out, err := json.Marshal(wireAssignedIds{
		DocumentIDs:   ids.DocumentIDs(),
		CounterValues: ids.CounterValues(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func runPurge(cmd *cobra.Command, _ []string) error {
	eng, store, err := openEngine()
	if err != nil {
		return err
	}
	defer store.Close()
	if err := eng.PurgeStore(context.Background()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ purge complete")
	return nil
}

func runDeleteRange(cmd *cobra.Command, _ []string) error {
	subspaceStr, _ := cmd.Flags().GetString("subspace")
	fromHex, _ := cmd.Flags().GetString("from")
	toHex, _ := cmd.Flags().GetString("to")

	subspace, err := parseSubspace(subspaceStr)
	if err != nil {
		return err
	}
	from, err := hex.DecodeString(fromHex)
	if err != nil {
		return fmt.Errorf("decoding --from: %w", err)
	}
	to, err := hex.DecodeString(toHex)
	if err != nil {
		return fmt.Errorf("decoding --to: %w", err)
	}

	eng, store, err := openEngine()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := eng.DeleteRange(context.Background(), subspace, from, to); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ range deleted")
	return nil
}

func parseSubspace(s string) (byte, error) {
	switch s {
	case "c":
		return keycodec.SubspaceCounter, nil
	case "q":
		return keycodec.SubspaceQuota, nil
	case "v":
		return keycodec.SubspaceValue, nil
	case "i":
		return keycodec.SubspaceIndex, nil
	case "b":
		return keycodec.SubspaceBitmap, nil
	case "l":
		return keycodec.SubspaceLog, nil
	default:
		return 0, fmt.Errorf("unknown subspace %q", s)
	}
}

// wireAssignedIds is the JSON shape printed after a successful write.
type wireAssignedIds struct {
	DocumentIDs   []uint32 `json:"document_ids"`
	CounterValues []int64  `json:"counter_values"`
}

// wireBatch is the JSON shape read from stdin by `write`.
type wireBatch struct {
	ChangeID uint64   `json:"change_id"`
	Ops      []wireOp `json:"ops"`
}

type wireOp struct {
	AccountID  *uint32       `json:"account_id,omitempty"`
	Collection *uint8        `json:"collection,omitempty"`
	DocumentID *uint32       `json:"document_id,omitempty"`
	Value      *wireValueOp  `json:"value,omitempty"`
	Index      *wireIndexOp  `json:"index,omitempty"`
	Bitmap     *wireBitmapOp `json:"bitmap,omitempty"`
	Log        *wireLogOp    `json:"log,omitempty"`
	Assert     *wireAssertOp `json:"assert,omitempty"`
}

// wireValueOp's Op is one of "set", "atomic_add", "add_and_get", "clear".
type wireValueOp struct {
	Class string `json:"class"`
	Op    string `json:"op"`
	Value string `json:"value,omitempty"` // base64, for "set"
	By    int64  `json:"by,omitempty"`    // for "atomic_add"/"add_and_get"
}

type wireIndexOp struct {
	Field uint8  `json:"field"`
	Key   string `json:"key"` // base64
	Set   bool   `json:"set"`
}

type wireBitmapOp struct {
	Class string `json:"class"`
	Set   bool   `json:"set"`
}

type wireLogOp struct {
	Payload string `json:"payload"` // base64
}

type wireAssertOp struct {
	Class        string `json:"class"`
	Expect       string `json:"expect,omitempty"` // base64
	ExpectAbsent bool   `json:"expect_absent,omitempty"`
}

func (wb wireBatch) toBatch() (*batch.Batch, error) {
	b := &batch.Batch{ChangeID: wb.ChangeID}
	for i, op := range wb.Ops {
		converted, err := op.toOperation()
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		b.Ops = append(b.Ops, converted...)
	}
	return b, nil
}

func (o wireOp) toOperation() ([]batch.Operation, error) {
	switch {
	case o.AccountID != nil:
		return []batch.Operation{batch.AccountIDOp{AccountID: *o.AccountID}}, nil
	case o.Collection != nil:
		return []batch.Operation{batch.CollectionOp{Collection: *o.Collection}}, nil
	case o.DocumentID != nil:
		return []batch.Operation{batch.DocumentIDOp{DocumentID: *o.DocumentID}}, nil
	case o.Value != nil:
		op, err := o.Value.toValueOperation()
		return []batch.Operation{op}, err
	case o.Index != nil:
		key, err := decodeB64(o.Index.Key)
		if err != nil {
			return nil, err
		}
		return []batch.Operation{batch.IndexOperation{Field: o.Index.Field, Key: key, Set: o.Index.Set}}, nil
	case o.Bitmap != nil:
		class, err := parseBitmapClass(o.Bitmap.Class)
		if err != nil {
			return nil, err
		}
		return []batch.Operation{batch.BitmapOperation{Class: class, Set: o.Bitmap.Set}}, nil
	case o.Log != nil:
		payload, err := decodeB64(o.Log.Payload)
		if err != nil {
			return nil, err
		}
		return []batch.Operation{batch.LogOperation{Payload: batch.Bytes(payload)}}, nil
	case o.Assert != nil:
		class, err := parseValueClass(o.Assert.Class)
		if err != nil {
			return nil, err
		}
		pred := batch.AssertPredicate{ExpectAbsent: o.Assert.ExpectAbsent}
		if !pred.ExpectAbsent {
			expect, err := decodeB64(o.Assert.Expect)
			if err != nil {
				return nil, err
			}
			pred.Expect = expect
		}
		return []batch.Operation{batch.AssertValueOperation{Class: class, Assert: pred}}, nil
	default:
		return nil, fmt.Errorf("empty op")
	}
}

func (v wireValueOp) toValueOperation() (batch.Operation, error) {
	class, err := parseValueClass(v.Class)
	if err != nil {
		return nil, err
	}
	switch v.Op {
	case "set":
		value, err := decodeB64(v.Value)
		if err != nil {
			return nil, err
		}
		return batch.ValueOperation{Class: class, Op: batch.SetOp{Value: batch.Bytes(value)}}, nil
	case "atomic_add":
		return batch.ValueOperation{Class: class, Op: batch.AtomicAddOp{By: v.By}}, nil
	case "add_and_get":
		return batch.ValueOperation{Class: class, Op: batch.AddAndGetOp{By: v.By}}, nil
	case "clear":
		return batch.ValueOperation{Class: class, Op: batch.ClearOp{}}, nil
	default:
		return nil, fmt.Errorf("unknown value op %q", v.Op)
	}
}

func decodeB64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// parseValueClass parses "v:N" (plain value), "c:N" (counter), or
// "q:N" (quota) into the corresponding keycodec.ValueClass.
func parseValueClass(s string) (keycodec.ValueClass, error) {
	kind, tagStr, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("malformed value class %q, want kind:tag", s)
	}
	tag, err := strconv.Atoi(tagStr)
	if err != nil {
		return nil, fmt.Errorf("malformed value class tag in %q: %w", s, err)
	}
	switch kind {
	case "v":
		return keycodec.DefaultValueClass{Tag: byte(tag)}, nil
	case "c":
		return keycodec.DefaultValueClass{Tag: byte(tag), Counter: true}, nil
	case "q":
		return keycodec.QuotaValueClass{Tag: byte(tag)}, nil
	default:
		return nil, fmt.Errorf("unknown value class kind %q", kind)
	}
}

// parseBitmapClass parses "bitmap:N" into a keycodec.BitmapClass.
func parseBitmapClass(s string) (keycodec.BitmapClass, error) {
	kind, tagStr, ok := strings.Cut(s, ":")
	if !ok || kind != "bitmap" {
		return nil, fmt.Errorf("malformed bitmap class %q, want bitmap:tag", s)
	}
	tag, err := strconv.Atoi(tagStr)
	if err != nil {
		return nil, fmt.Errorf("malformed bitmap class tag in %q: %w", s, err)
	}
	return keycodec.DefaultBitmapClass{Tag: byte(tag)}, nil
}
