package commands

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/group/coordinator"
	"github.com/teranos/roster/group/state"
	"github.com/teranos/roster/internal/node"
)

// queuedJobLimit bounds the deferred work a command runs inline before retrying.
const queuedJobLimit = 100

// GroupCmd groups the group subcommands.
var GroupCmd = &cobra.Command{
	Use:   "group",
	Short: "Create, inspect and edit groups",
	Long: `Create, inspect and edit groups.

A group is named by its id (or any unique prefix of it) or by its exact title.
Edits are submitted to the server at the next revision; when someone else got
there first the edit is rebased onto their change and retried.

Examples:
  roster group create kelp bob cy        # Create "kelp" with bob and cy
  roster group ls                        # List local groups
  roster group title kelp "kelp forest"  # Rename
  roster group admin kelp bob            # Make bob an administrator
  roster group timer kelp 1h             # Disappearing messages after an hour
  roster group sync --all                # Pull everyone's changes`,
}

// groupView is the JSON form of a local group.
type groupView struct {
	ID             string              `json:"id"`
	Title          string              `json:"title"`
	Revision       group.Revision      `json:"revision"`
	Timer          uint32              `json:"timer"`
	Avatar         string              `json:"avatar,omitempty"`
	Access         group.AccessControl `json:"access"`
	Members        int                 `json:"members"`
	Pending        int                 `json:"pending"`
	Active         bool                `json:"active"`
	ProfileSharing bool                `json:"profile_sharing"`
	MasterKey      string              `json:"master_key,omitempty"`
}

func viewOf(r *group.Record) groupView {
	v := groupView{
		ID:             r.ID().String(),
		Active:         r.Active,
		ProfileSharing: r.ProfileSharing,
	}
	if s := r.Snapshot; s != nil {
		v.Title = s.Title
		v.Revision = s.Revision
		v.Timer = s.Timer
		v.Access = s.Access
		v.Members = len(s.Members)
		v.Pending = len(s.Pending)
		if !s.Avatar.IsEmpty() {
			v.Avatar = string(s.Avatar)
		}
	}
	return v
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <title> [member...]",
	Short: "Create a group with you as administrator",
	Long: `Create a group on the server. Members whose profile key is already known
join in full; the rest are invited and join when they accept.

Every member must support groups. Accounts not seen before are looked up in
the server directory first.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := coordinator.CreateRequest{Title: args[0], Members: parseIdentities(args[1:])}

		avatarPath, _ := cmd.Flags().GetString("avatar")
		if avatarPath != "" {
			data, err := os.ReadFile(avatarPath)
			if err != nil {
				return errors.Wrap(err, "failed to read avatar")
			}
			req.Avatar = data
		}
		if timer, _ := cmd.Flags().GetString("timer"); timer != "" {
			seconds, err := parseTimer(timer)
			if err != nil {
				return err
			}
			req.Timer = seconds
		}

		return withNode(cmd, func(ctx context.Context, n *node.Node) error {
			var rec *group.Record
			err := afterQueuedWork(ctx, n, func() error {
				var err error
				rec, err = n.Coordinator.CreateGroup(ctx, req)
				return err
			})
			if err != nil {
				return reportUpdate(group.Identifier{}, nil, err)
			}
			if Global.JSON {
				return printJSON(viewOf(rec))
			}
			pterm.Success.Printfln("Created %q (%s)", rec.Snapshot.Title, rec.ID())
			fmt.Printf("  %d member(s), %d invited\n", len(rec.Snapshot.Members), len(rec.Snapshot.Pending))
			return nil
		})
	},
}

// afterQueuedWork runs fn. When fn fails with a retryable error, the deferred
// work it scheduled (such as profile refreshes) is run inline and fn is tried once more.
func afterQueuedWork(ctx context.Context, n *node.Node, fn func() error) error {
	err := fn()
	if err == nil || !errors.IsRetryable(err) {
		return err
	}
	ran, qerr := n.RunQueued(ctx, queuedJobLimit)
	if qerr != nil {
		return errors.Wrap(qerr, "failed to run queued work")
	}
	if ran == 0 {
		return err
	}
	return fn()
}

var groupLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List local groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(ctx context.Context, n *node.Node) error {
			records, err := n.Groups.List(ctx)
			if err != nil {
				return err
			}
			records = sortedRecords(records)

			if Global.JSON {
				views := make([]groupView, 0, len(records))
				for _, r := range records {
					views = append(views, viewOf(r))
				}
				return printJSON(views)
			}
			if len(records) == 0 {
				pterm.Info.Println("No groups yet")
				return nil
			}
			data := pterm.TableData{{"ID", "Title", "Revision", "Members", "Invited", "Active"}}
			for _, r := range records {
				v := viewOf(r)
				data = append(data, []string{
					r.ID().Short(), v.Title, strconv.Itoa(int(v.Revision)),
					strconv.Itoa(v.Members), strconv.Itoa(v.Pending), strconv.FormatBool(v.Active),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

var groupShowCmd = &cobra.Command{
	Use:   "show <group>",
	Short: "Show a group's settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reveal, _ := cmd.Flags().GetBool("reveal-key")
		return withNode(cmd, func(ctx context.Context, n *node.Node) error {
			rec, err := resolveGroup(ctx, n.Groups, args[0])
			if err != nil {
				return err
			}
			v := viewOf(rec)
			if reveal {
				text, err := rec.Params.MasterKey.MarshalText()
				if err != nil {
					return err
				}
				v.MasterKey = string(text)
			}
			if Global.JSON {
				return printJSON(v)
			}

			pterm.DefaultSection.Println(v.Title)
			fmt.Printf("ID:                 %s\n", v.ID)
			fmt.Printf("Revision:           %d\n", v.Revision)
			fmt.Printf("Members:            %d (%d invited)\n", v.Members, v.Pending)
			fmt.Printf("Disappearing timer: %s\n", group.DescribeTimer(v.Timer))
			fmt.Printf("Who may add:        %s\n", accessName(v.Access.Members))
			fmt.Printf("Who may edit:       %s\n", accessName(v.Access.Attributes))
			if v.Avatar != "" {
				fmt.Printf("Avatar:             %s\n", v.Avatar)
			}
			fmt.Printf("Active:             %t\n", v.Active)
			if v.MasterKey != "" {
				fmt.Printf("Master key:         %s\n", v.MasterKey)
				pterm.Warning.Println("Anyone holding the master key can read the group")
			}
			return nil
		})
	},
}

func accessName(a group.AccessRequired) string {
	switch a {
	case group.AccessMember:
		return "any member"
	case group.AccessAdministrator:
		return "administrators"
	default:
		return "unknown"
	}
}

// memberView is one row of `group members`.
type memberView struct {
	Identity   group.Identity   `json:"identity"`
	Role       group.Role       `json:"role,omitempty"`
	Invited    bool             `json:"invited"`
	InvitedBy  group.Identity   `json:"invited_by,omitempty"`
	KeyKnown   bool             `json:"profile_key_known"`
	Capability group.Capability `json:"capability"`
}

var groupMembersCmd = &cobra.Command{
	Use:   "members <group>",
	Short: "List members and invitations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(ctx context.Context, n *node.Node) error {
			rec, err := resolveGroup(ctx, n.Groups, args[0])
			if err != nil {
				return err
			}
			rows, err := n.Profiles.List(ctx)
			if err != nil {
				return err
			}
			known := make(map[group.Identity]bool, len(rows))
			capability := make(map[group.Identity]group.Capability, len(rows))
			for _, row := range rows {
				known[row.Identity] = row.HasKey
				capability[row.Identity] = row.Capability
			}
			lookup := func(id group.Identity) group.Capability {
				if c, ok := capability[id]; ok {
					return c
				}
				return group.CapabilityUnknown
			}

			var views []memberView
			for _, m := range rec.Snapshot.Members {
				views = append(views, memberView{Identity: m.Identity, Role: m.Role, KeyKnown: known[m.Identity], Capability: lookup(m.Identity)})
			}
			for _, p := range rec.Snapshot.Pending {
				views = append(views, memberView{Identity: p.Identity, Invited: true, InvitedBy: p.AddedBy, KeyKnown: known[p.Identity], Capability: lookup(p.Identity)})
			}
			if Global.JSON {
				return printJSON(views)
			}

			data := pterm.TableData{{"Identity", "Role", "Profile key", "Capability"}}
			for _, v := range views {
				role := string(v.Role)
				if v.Invited {
					role = "invited by " + string(v.InvitedBy)
				}
				keyState := "unknown"
				if v.KeyKnown {
					keyState = "known"
				}
				data = append(data, []string{string(v.Identity), role, keyState, string(v.Capability)})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

var groupLogCmd = &cobra.Command{
	Use:   "log <group>",
	Short: "Show recent group changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withNode(cmd, func(ctx context.Context, n *node.Node) error {
			rec, err := resolveGroup(ctx, n.Groups, args[0])
			if err != nil {
				return err
			}
			entries, err := n.Timeline.List(ctx, rec.ID(), limit)
			if err != nil {
				return err
			}
			if Global.JSON {
				return printJSON(entries)
			}
			for _, e := range entries {
				for _, line := range e.Lines {
					fmt.Printf("%s  r%-4d %s\n", e.Timestamp.Local().Format("2006-01-02 15:04"), e.Revision, line)
				}
			}
			return nil
		})
	},
}

// updateCommand builds a command that resolves args[0] to a group and runs one coordinator update.
func updateCommand(use, short string, args cobra.PositionalArgs, run func(ctx context.Context, cmd *cobra.Command, n *node.Node, rec *group.Record, args []string) (*coordinator.Result, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, func(ctx context.Context, n *node.Node) error {
				rec, err := resolveGroup(ctx, n.Groups, args[0])
				if err != nil {
					return err
				}
				var res *coordinator.Result
				err = afterQueuedWork(ctx, n, func() error {
					var err error
					res, err = run(ctx, cmd, n, rec, args[1:])
					return err
				})
				return reportUpdate(rec.ID(), res, err)
			})
		},
	}
}

// roster returns everyone in the group, invited or not.
func roster(rec *group.Record) []group.Identity {
	return append(rec.Snapshot.MemberIdentities(), rec.Snapshot.PendingIdentities()...)
}

var groupTitleCmd = updateCommand("title <group> <title>", "Rename a group", cobra.ExactArgs(2),
	func(ctx context.Context, _ *cobra.Command, n *node.Node, rec *group.Record, args []string) (*coordinator.Result, error) {
		title := args[0]
		return n.Coordinator.UpdateGroup(ctx, rec.ID(), roster(rec), &title, nil)
	})

var groupAddCmd = updateCommand("add <group> <identity>...", "Add or invite members", cobra.MinimumNArgs(2),
	func(ctx context.Context, _ *cobra.Command, n *node.Node, rec *group.Record, args []string) (*coordinator.Result, error) {
		return n.Coordinator.UpdateGroup(ctx, rec.ID(), append(roster(rec), parseIdentities(args)...), nil, nil)
	})

var groupAvatarCmd = updateCommand("avatar <group> <file>", "Set the group avatar", cobra.ExactArgs(2),
	func(ctx context.Context, _ *cobra.Command, n *node.Node, rec *group.Record, args []string) (*coordinator.Result, error) {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return nil, errors.Wrap(err, "failed to read avatar")
		}
		return n.Coordinator.UpdateGroup(ctx, rec.ID(), roster(rec), nil, data)
	})

var groupTimerCmd = updateCommand("timer <group> <duration|off>", "Set the disappearing message timer", cobra.ExactArgs(2),
	func(ctx context.Context, _ *cobra.Command, n *node.Node, rec *group.Record, args []string) (*coordinator.Result, error) {
		seconds, err := parseTimer(args[0])
		if err != nil {
			return nil, err
		}
		return n.Coordinator.UpdateTimer(ctx, rec.ID(), seconds)
	})

var groupAdminCmd = updateCommand("admin <group> <member>", "Grant or revoke administrator", cobra.ExactArgs(2),
	func(ctx context.Context, cmd *cobra.Command, n *node.Node, rec *group.Record, args []string) (*coordinator.Result, error) {
		revoke, _ := cmd.Flags().GetBool("revoke")
		return n.Coordinator.SetMemberAdmin(ctx, rec.ID(), group.Identity(args[0]), !revoke)
	})

var groupRightsCmd = updateCommand("rights <group>", "Set who may add members and edit attributes", cobra.ExactArgs(1),
	func(ctx context.Context, cmd *cobra.Command, n *node.Node, rec *group.Record, _ []string) (*coordinator.Result, error) {
		members, _ := cmd.Flags().GetString("members")
		attributes, _ := cmd.Flags().GetString("attributes")
		if members == "" && attributes == "" {
			return nil, errors.WithHint(errors.New("nothing to change"), "pass --members and/or --attributes")
		}

		var last *coordinator.Result
		if members != "" {
			access, err := parseAccess(members)
			if err != nil {
				return nil, err
			}
			if last, err = n.Coordinator.ApplyMembershipRights(ctx, rec.ID(), access); err != nil {
				return nil, err
			}
		}
		if attributes != "" {
			access, err := parseAccess(attributes)
			if err != nil {
				return nil, err
			}
			res, err := n.Coordinator.ApplyAttributesRights(ctx, rec.ID(), access)
			if err != nil {
				return nil, err
			}
			if res != nil {
				last = res
			}
		}
		return last, nil
	})

var groupAcceptCmd = updateCommand("accept <group>", "Accept an invitation", cobra.ExactArgs(1),
	func(ctx context.Context, _ *cobra.Command, n *node.Node, rec *group.Record, _ []string) (*coordinator.Result, error) {
		return n.Coordinator.AcceptInvite(ctx, rec.ID())
	})

var groupCancelCmd = updateCommand("cancel <group> <identity>...", "Revoke invitations", cobra.MinimumNArgs(2),
	func(ctx context.Context, _ *cobra.Command, n *node.Node, rec *group.Record, args []string) (*coordinator.Result, error) {
		return n.Coordinator.CancelInvites(ctx, rec.ID(), parseIdentities(args))
	})

var groupLeaveCmd = updateCommand("leave <group>", "Leave a group or decline its invitation", cobra.ExactArgs(1),
	func(ctx context.Context, _ *cobra.Command, n *node.Node, rec *group.Record, _ []string) (*coordinator.Result, error) {
		return n.Coordinator.LeaveGroup(ctx, rec.ID())
	})

var groupEjectCmd = updateCommand("eject <group> <member>", "Remove a member or their invitation", cobra.ExactArgs(2),
	func(ctx context.Context, _ *cobra.Command, n *node.Node, rec *group.Record, args []string) (*coordinator.Result, error) {
		return n.Coordinator.EjectMember(ctx, rec.ID(), group.Identity(args[0]))
	})

var groupKeyCmd = updateCommand("key <group>", "Publish your current profile key to a group", cobra.ExactArgs(1),
	func(ctx context.Context, _ *cobra.Command, n *node.Node, rec *group.Record, _ []string) (*coordinator.Result, error) {
		return n.Coordinator.UpdateProfileKey(ctx, rec.ID())
	})

// syncView is the JSON form of one group sync.
type syncView struct {
	Group     string         `json:"group"`
	Outcome   state.Outcome  `json:"outcome,omitempty"`
	Revision  group.Revision `json:"revision,omitempty"`
	Anomalies int            `json:"anomalies,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func syncViewOf(s state.GroupSync) syncView {
	v := syncView{Group: s.Params.ID.String(), Outcome: s.Result.Outcome, Anomalies: len(s.Result.Anomalies)}
	if s.Result.Latest != nil {
		v.Revision = s.Result.Latest.Revision
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	return v
}

var groupSyncCmd = &cobra.Command{
	Use:   "sync [group]",
	Short: "Bring groups up to date with the server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		revision, _ := cmd.Flags().GetInt("revision")
		if all == (len(args) == 1) {
			return errors.New("name one group or pass --all")
		}

		return withNode(cmd, func(ctx context.Context, n *node.Node) error {
			var results []state.GroupSync
			if all {
				var err error
				if results, err = n.SyncAll(ctx); err != nil {
					return err
				}
			} else {
				rec, err := resolveGroup(ctx, n.Groups, args[0])
				if err != nil {
					return err
				}
				target := group.Latest
				if revision >= 0 {
					target = group.Revision(revision)
				}
				res, err := n.Processor.UpdateToRevision(ctx, rec.Params, target, time.Now())
				results = append(results, state.GroupSync{Params: rec.Params, Result: res, Err: err})
			}

			views := make([]syncView, 0, len(results))
			failed := 0
			for _, r := range results {
				views = append(views, syncViewOf(r))
				if r.Err != nil {
					failed++
				}
			}
			if Global.JSON {
				if err := printJSON(views); err != nil {
					return err
				}
			} else {
				for i, v := range views {
					short := results[i].Params.ID.Short()
					switch {
					case v.Error != "":
						pterm.Error.Printfln("%s: %s", short, v.Error)
					case v.Outcome == state.OutcomeUpdated:
						pterm.Success.Printfln("%s: updated to revision %d", short, v.Revision)
					default:
						pterm.Info.Printfln("%s: %s", short, v.Outcome)
					}
				}
			}
			if failed > 0 {
				return errors.Newf("%d of %d group(s) failed to sync", failed, len(results))
			}
			return nil
		})
	},
}

var groupJoinCmd = &cobra.Command{
	Use:   "join <master-key>",
	Short: "Start tracking a group you were given the master key of",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mk, err := parseMasterKey(args[0])
		if err != nil {
			return err
		}
		return withNode(cmd, func(ctx context.Context, n *node.Node) error {
			params := mk.Params()
			res, err := n.Processor.UpdateToRevision(ctx, params, group.Latest, time.Now())
			if err != nil {
				return errors.Wrapf(err, "failed to fetch group %s", params.ID.Short())
			}
			rec, err := n.Groups.Require(ctx, params.ID)
			if err != nil {
				return err
			}
			if Global.JSON {
				return printJSON(viewOf(rec))
			}
			pterm.Success.Printfln("Tracking %q (%s) at revision %d", title(rec), rec.ID().Short(), rec.Snapshot.Revision)
			if group.IsPending(rec.Snapshot, n.Self.Identity) {
				pterm.Info.Printfln("You are invited; accept with `roster group accept %s`", rec.ID().Short())
			}
			if res.Outcome == state.OutcomeLeft {
				pterm.Warning.Println("You are no longer a member of this group")
			}
			return nil
		})
	},
}

// parseTimer accepts "off", a number of seconds, or a Go duration such as "1h30m".
func parseTimer(s string) (uint32, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "off" || s == "0" {
		return 0, nil
	}
	var seconds float64
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		seconds = float64(n)
	} else {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, errors.WithHint(errors.Newf("invalid timer %q", s), "use off, seconds, or a duration like 8h")
		}
		seconds = d.Seconds()
	}
	if seconds < 1 || seconds > math.MaxUint32 {
		return 0, errors.Newf("timer %q out of range", s)
	}
	return uint32(seconds), nil
}

func init() {
	groupCreateCmd.Flags().String("avatar", "", "Avatar image file")
	groupCreateCmd.Flags().String("timer", "", "Disappearing message timer (off, seconds or duration)")
	groupShowCmd.Flags().Bool("reveal-key", false, "Print the group master key")
	groupLogCmd.Flags().Int("limit", 20, "Number of entries to show")
	groupAdminCmd.Flags().Bool("revoke", false, "Revoke administrator instead of granting it")
	groupRightsCmd.Flags().String("members", "", "Who may add members: member or administrator")
	groupRightsCmd.Flags().String("attributes", "", "Who may edit title, avatar and timer: member or administrator")
	groupSyncCmd.Flags().Bool("all", false, "Sync every active group")
	groupSyncCmd.Flags().Int("revision", -1, "Target revision of a single group (default latest)")

	GroupCmd.AddCommand(
		groupCreateCmd,
		groupLsCmd,
		groupShowCmd,
		groupMembersCmd,
		groupLogCmd,
		groupTitleCmd,
		groupAddCmd,
		groupAvatarCmd,
		groupTimerCmd,
		groupAdminCmd,
		groupRightsCmd,
		groupAcceptCmd,
		groupCancelCmd,
		groupLeaveCmd,
		groupEjectCmd,
		groupKeyCmd,
		groupSyncCmd,
		groupJoinCmd,
	)
}
