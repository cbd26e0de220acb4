// Package commands implements the roster CLI subcommands.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/roster/am"
	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/group/coordinator"
	"github.com/teranos/roster/internal/node"
	"github.com/teranos/roster/logger"
)

// Global holds the persistent root flags.
var Global struct {
	ConfigFile string
	JSON       bool
	Verbosity  int
}

// loadConfig loads and validates the layered configuration.
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return cfg, nil
}

// withNode opens the local node for the duration of fn. The context is
// cancelled on SIGINT or SIGTERM.
func withNode(cmd *cobra.Command, fn func(ctx context.Context, n *node.Node) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	n, err := node.Open(cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, n)
}

// waitForSignal blocks until SIGINT or SIGTERM.
func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	<-sigChan
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to format JSON")
	}
	fmt.Println(string(data))
	return nil
}

// groupLister is the part of the group store that resolveGroup reads.
type groupLister interface {
	List(ctx context.Context) ([]*group.Record, error)
}

// resolveGroup finds a local group by full identifier, identifier prefix or exact title.
func resolveGroup(ctx context.Context, groups groupLister, arg string) (*group.Record, error) {
	records, err := groups.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list groups")
	}

	if id, err := group.ParseIdentifier(arg); err == nil {
		for _, r := range records {
			if r.ID() == id {
				return r, nil
			}
		}
		return nil, errors.WithHint(errors.NewNotFoundError("group %s", id.Short()),
			"join it first with `roster group join <master-key>`")
	}

	var matches []*group.Record
	for _, r := range records {
		if strings.HasPrefix(r.ID().String(), arg) || (r.Snapshot != nil && r.Snapshot.Title == arg) {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return nil, errors.WithHint(errors.NewNotFoundError("no group matches %q", arg),
			"list local groups with `roster group ls`")
	case 1:
		return matches[0], nil
	default:
		return nil, errors.WithHint(errors.Newf("%q matches %d groups", arg, len(matches)),
			"use a longer prefix of the group id")
	}
}

func parseMasterKey(s string) (group.MasterKey, error) {
	var mk group.MasterKey
	if err := mk.UnmarshalText([]byte(s)); err != nil {
		return mk, errors.Wrap(err, "invalid master key")
	}
	return mk, nil
}

func parseIdentities(args []string) []group.Identity {
	out := make([]group.Identity, 0, len(args))
	for _, a := range args {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, group.Identity(a))
		}
	}
	return out
}

func parseAccess(s string) (group.AccessRequired, error) {
	switch strings.ToLower(s) {
	case "member", "members", "any":
		return group.AccessMember, nil
	case "admin", "administrator", "administrators":
		return group.AccessAdministrator, nil
	default:
		return group.AccessUnknown, errors.Newf("unknown access level %q (want member or administrator)", s)
	}
}

// updateView is the JSON form of a coordinator result.
type updateView struct {
	Group     string   `json:"group"`
	Outcome   string   `json:"outcome"`
	Revision  *int     `json:"revision,omitempty"`
	Attempts  int      `json:"attempts,omitempty"`
	Changes   []string `json:"changes,omitempty"`
	Anomalies int      `json:"anomalies,omitempty"`
}

// reportUpdate prints the outcome of one group update. A nil result means nothing was sent.
func reportUpdate(id group.Identifier, res *coordinator.Result, err error) error {
	if err != nil {
		reason := coordinator.FailureReasonFor(err)
		if reason != coordinator.FailureOther {
			return errors.WithDetailf(err, "Reason: %s", reason)
		}
		if errors.IsRetryable(err) {
			return errors.WithHint(err, "retry shortly, or run `roster pulse start` to let queued work finish")
		}
		return err
	}

	view := updateView{Group: id.String(), Outcome: "unchanged"}
	if res != nil {
		view.Outcome = string(res.Outcome)
		view.Attempts = res.Attempts
		view.Anomalies = len(res.Anomalies)
		if res.Applied() {
			rev := int(res.Snapshot.Revision)
			view.Revision = &rev
			view.Changes = group.Describe(res.Change)
		}
	}
	if Global.JSON {
		return printJSON(view)
	}

	switch {
	case res == nil:
		pterm.Info.Printfln("Nothing to change in %s", id.Short())
	case res.Applied():
		pterm.Success.Printfln("%s is now at revision %d", id.Short(), res.Snapshot.Revision)
		for _, line := range view.Changes {
			fmt.Printf("  %s\n", line)
		}
	default:
		pterm.Warning.Printfln("%s: %s after %d attempt(s)", id.Short(), res.Outcome, res.Attempts)
	}
	if view.Anomalies > 0 {
		pterm.Warning.Printfln("%d profile key anomaly(ies) were ignored", view.Anomalies)
	}
	return nil
}

func sortedRecords(records []*group.Record) []*group.Record {
	sort.Slice(records, func(i, j int) bool {
		ti, tj := title(records[i]), title(records[j])
		if ti != tj {
			return ti < tj
		}
		return records[i].ID().String() < records[j].ID().String()
	})
	return records
}

func title(r *group.Record) string {
	if r.Snapshot == nil {
		return ""
	}
	return r.Snapshot.Title
}
