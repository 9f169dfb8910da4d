package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kittclouds/memspace/internal/store"
	"github.com/kittclouds/memspace/pkg/clientstate"
	"github.com/kittclouds/memspace/pkg/patchops"
)

// txInput is the JSON shape txCmd reads from --file or stdin: a batch of
// operations to run through a fresh pkg/clientstate.Machine and submit to
// the Space as one commit. Unlike a raw store.ClientCommit, the read set,
// session id, and local_seq are never supplied directly — the Machine
// derives them the way a real client does, from whatever it has already
// observed.
type txInput struct {
	Branch     string `json:"branch"`
	Operations []struct {
		Kind    string          `json:"kind"`
		ID      string          `json:"id"`
		Value   json.RawMessage `json:"value"`
		Patches json.RawMessage `json:"patches"`
	} `json:"operations"`
}

var txFile string

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "Submit a client commit (JSON) through the client state machine",
	Long: `tx reads a batch of operations as JSON, either from --file or stdin,
runs them through a fresh pkg/clientstate.Machine to build the optimistic
PendingCommit exactly as a real client session would, submits the result
via Space.Transact, and resolves the Machine with Accept or Reject
depending on the outcome. On success it prints the resulting commit hash,
seq, the facts it produced, and each touched entity's now-confirmed value.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readTxInput()
		if err != nil {
			return err
		}
		var in txInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return fmt.Errorf("decode commit: %w", err)
		}

		ops, err := in.toClientOps()
		if err != nil {
			return err
		}

		sp, err := openSpace()
		if err != nil {
			return err
		}
		defer sp.Close()

		machine := clientstate.NewMachine(in.Branch, applyClientPatch)
		pc, err := machine.Commit(ops)
		if err != nil {
			return fmt.Errorf("build commit: %w", err)
		}

		cc := store.ClientCommit{
			SessionID:  machine.SessionID(),
			LocalSeq:   pc.LocalSeq,
			Branch:     in.Branch,
			Reads:      toReadSet(pc),
			Operations: toUserOps(pc.Ops),
		}

		result, err := sp.Transact(cmd.Context(), cc.SessionID, cc)
		if err != nil {
			machine.Reject(pc.LocalSeq, err)
			return fmt.Errorf("transact: %w", err)
		}

		serverValues := make(map[string]any)
		serverDeleted := make(map[string]bool)
		for _, f := range result.Facts {
			if f.Type == store.FactDelete {
				serverDeleted[f.ID] = true
				continue
			}
			r, err := sp.ReadCurrent(cmd.Context(), result.Commit.Branch, f.ID)
			if err == nil && r.Status == store.StatusValue {
				serverValues[f.ID] = r.Value
			}
		}
		if err := machine.Accept(cmd.Context(), pc.LocalSeq, result.Commit.Seq, serverValues, serverDeleted); err != nil {
			return fmt.Errorf("accept: %w", err)
		}

		fmt.Printf("commit %s seq=%d branch=%s\n", result.Commit.Hash, result.Commit.Seq, result.Commit.Branch)
		for _, f := range result.Facts {
			fmt.Printf("  fact %s id=%s type=%s\n", f.Hash, f.ID, f.Type)
			if v, ok := machine.Read(f.ID); ok {
				fmt.Printf("    confirmed value: %v\n", v)
			}
		}
		return nil
	},
}

// applyClientPatch is the Machine's PatchApplier: it converts the
// package-neutral clientstate.PatchOp back to patchops.Op and delegates to
// the real patch engine, so the Machine's optimistic local value matches
// exactly what the Commit Engine will compute server-side.
func applyClientPatch(base any, ops []clientstate.PatchOp) (any, error) {
	converted := make([]patchops.Op, len(ops))
	for i, op := range ops {
		converted[i] = patchops.Op{
			Op:     patchops.Kind(op.Kind),
			Path:   op.Path,
			Value:  op.Value,
			From:   op.From,
			Index:  op.Index,
			Remove: op.Remove,
			Add:    op.Add,
		}
	}
	return patchops.Apply(base, converted)
}

func readTxInput() ([]byte, error) {
	if txFile != "" {
		return os.ReadFile(txFile)
	}
	return io.ReadAll(os.Stdin)
}

func (in txInput) toClientOps() ([]clientstate.Op, error) {
	out := make([]clientstate.Op, 0, len(in.Operations))
	for _, op := range in.Operations {
		co := clientstate.Op{ID: op.ID}
		switch op.Kind {
		case "set":
			co.Kind = clientstate.OpSet
			var v any
			if err := json.Unmarshal(op.Value, &v); err != nil {
				return nil, fmt.Errorf("op %s: decode value: %w", op.ID, err)
			}
			co.Value = v
		case "patch":
			co.Kind = clientstate.OpPatch
			var parsed []patchops.Op
			if err := json.Unmarshal(op.Patches, &parsed); err != nil {
				return nil, fmt.Errorf("op %s: decode patches: %w", op.ID, err)
			}
			co.Patches = make([]clientstate.PatchOp, len(parsed))
			for i, p := range parsed {
				co.Patches[i] = clientstate.PatchOp{
					Kind:   string(p.Op),
					Path:   p.Path,
					Value:  p.Value,
					From:   p.From,
					Index:  p.Index,
					Remove: p.Remove,
					Add:    p.Add,
				}
			}
		case "delete":
			co.Kind = clientstate.OpDelete
		case "claim":
			co.Kind = clientstate.OpClaim
		default:
			return nil, fmt.Errorf("op %s: unknown kind %q", op.ID, op.Kind)
		}
		out = append(out, co)
	}
	return out, nil
}

func toReadSet(pc *clientstate.PendingCommit) store.ReadSet {
	var rs store.ReadSet
	for _, r := range pc.ConfirmedReads {
		rs.Confirmed = append(rs.Confirmed, store.ConfirmedRead{ID: r.ID, Seq: r.Seq})
	}
	for _, r := range pc.PendingReads {
		rs.Pending = append(rs.Pending, store.PendingRead{ID: r.ID, LocalSeq: r.LocalSeq})
	}
	return rs
}

func toUserOps(ops []clientstate.Op) []store.UserOp {
	out := make([]store.UserOp, len(ops))
	for i, op := range ops {
		uo := store.UserOp{ID: op.ID}
		switch op.Kind {
		case clientstate.OpSet:
			uo.Kind = store.OpSet
			uo.Value = op.Value
		case clientstate.OpPatch:
			uo.Kind = store.OpPatch
			uo.Patches = make([]patchops.Op, len(op.Patches))
			for j, p := range op.Patches {
				uo.Patches[j] = patchops.Op{
					Op:     patchops.Kind(p.Kind),
					Path:   p.Path,
					Value:  p.Value,
					From:   p.From,
					Index:  p.Index,
					Remove: p.Remove,
					Add:    p.Add,
				}
			}
		case clientstate.OpDelete:
			uo.Kind = store.OpDelete
		case clientstate.OpClaim:
			uo.Kind = store.OpClaim
		}
		out[i] = uo
	}
	return out
}

func init() {
	txCmd.Flags().StringVar(&txFile, "file", "", "Path to a JSON operations batch (default: read from stdin)")
}
