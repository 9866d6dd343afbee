package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fwerpers/timeprof/internal/timeprof/observability"
	"github.com/fwerpers/timeprof/internal/timeprof/sample"
	"github.com/fwerpers/timeprof/internal/timeprof/user"
)

// errParse signals that the message matched a command's name prefix but not
// its argument grammar; the dispatcher falls through to the next matching
// name instead of failing the whole message.
var errParse = errors.New("bot: arguments did not parse")

// defaultHistorySize is the window size used when get history is called
// without -n.
const defaultHistorySize = 10

// command couples a name with its argument grammar and effect. run receives
// the remainder of the message after the name prefix has been stripped.
type command struct {
	name string
	desc string
	run  func(ctx context.Context, h *Handler, rec user.Record, rest string) (string, error)
}

// commandTable is scanned in order: dispatch picks the first entry whose
// name is a prefix of the (lowercased) message and whose grammar accepts the
// remainder. Keep more specific names before shared-prefix siblings would
// matter; today all names are prefix-free so the order is purely cosmetic,
// but it is still the documented tie-break.
//
// Populated in init: runHelp reads the table back to build its listing, so a
// composite literal here would form an initialization cycle.
var commandTable []command

func init() {
	commandTable = []command{
		{"help", "this message", runHelp},
		{"info", "description of the bot", runInfo},
		{"get data", "get a download link for the data", runGetData},
		{"get next", "get time of next sample", runGetNext},
		{"get rate", "get current rate", runGetRate},
		{"get history", "show recorded samples: get history [-i index] [-n size]", runGetHistory},
		{"get summary", "per-label sample counts", runGetSummary},
		{"set rate", "set rate (minutes) of the sampling process: set rate <minutes>", runSetRate},
		{"set label", "correct recorded labels: set label <pos>[-<end>] <words>", runSetLabel},
	}
}

// dispatch interprets msg as a command for the user in rec and returns the
// reply. Callers hold the user's session lock.
func (h *Handler) dispatch(ctx context.Context, rec user.Record, msg string) string {
	lowered := strings.ToLower(strings.TrimSpace(msg))

	for _, cmd := range commandTable {
		if !strings.HasPrefix(lowered, cmd.name) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(lowered, cmd.name))

		reply, err := cmd.run(ctx, h, rec, rest)
		if errors.Is(err, errParse) {
			continue
		}
		if err != nil {
			observability.WithTrace(ctx).Error("command failed",
				"command", cmd.name, "user", rec.UserID, "err", err)
			return replyStorageError
		}
		return reply
	}
	return replyNotValidInput(msg)
}

func runHelp(ctx context.Context, h *Handler, rec user.Record, rest string) (string, error) {
	if rest != "" {
		return "", errParse
	}
	var sb strings.Builder
	sb.WriteString("Available inputs:\n")
	for _, cmd := range commandTable {
		fmt.Fprintf(&sb, "%s - %s\n", cmd.name, cmd.desc)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func runInfo(ctx context.Context, h *Handler, rec user.Record, rest string) (string, error) {
	if rest != "" {
		return "", errParse
	}
	return replyInfo, nil
}

func runGetData(ctx context.Context, h *Handler, rec user.Record, rest string) (string, error) {
	if rest != "" {
		return "", errParse
	}
	data, err := h.samples.Export(rec.UserID)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "No data recorded yet", nil
	}
	filename := "timeprof_data.csv"
	uri, err := h.gateway.UploadFile(ctx, filename, data)
	if err != nil {
		return "", err
	}
	if err := h.gateway.SendFile(ctx, rec.BoundRoom, filename, uri); err != nil {
		return "", err
	}
	return "", nil
}

func runGetNext(ctx context.Context, h *Handler, rec user.Record, rest string) (string, error) {
	if rest != "" {
		return "", errParse
	}
	return fmt.Sprintf("Next sample scheduled for %s",
		rec.NextSampleTime.UTC().Format("2006-01-02 15:04 UTC")), nil
}

func runGetRate(ctx context.Context, h *Handler, rec user.Record, rest string) (string, error) {
	if rest != "" {
		return "", errParse
	}
	return fmt.Sprintf("Current rate is %g", rec.Rate), nil
}

func runGetHistory(ctx context.Context, h *Handler, rec user.Record, rest string) (string, error) {
	index, size, err := parseHistoryArgs(rest)
	if err != nil {
		return "", err
	}
	rows, err := h.samples.Window(rec.UserID, index, size)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "No data recorded yet", nil
	}
	var sb strings.Builder
	for _, row := range rows {
		fmt.Fprintf(&sb, "%d: %s  %s  (rate %g)\n",
			row.Pos, row.Timestamp.UTC().Format("2006-01-02 15:04"), row.Label, row.Rate)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func runGetSummary(ctx context.Context, h *Handler, rec user.Record, rest string) (string, error) {
	if rest != "" {
		return "", errParse
	}
	counts, total, err := h.samples.Summary(rec.UserID)
	if err != nil {
		return "", err
	}
	if total == 0 {
		return "No data recorded yet", nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d samples in total\n", total)
	for _, lc := range counts {
		fmt.Fprintf(&sb, "%s: %d (%.0f%%)\n", lc.Label, lc.Count, 100*float64(lc.Count)/float64(total))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func runSetRate(ctx context.Context, h *Handler, rec user.Record, rest string) (string, error) {
	rate, err := strconv.ParseFloat(rest, 64)
	if err != nil || rate <= 0 {
		return "", errParse
	}
	rec.Rate = rate
	// The already-armed timer keeps its old fire time; the new rate takes
	// effect at the next draw.
	if err := h.users.Put(rec); err != nil {
		return "", err
	}
	return fmt.Sprintf("Updated rate to %g", rate), nil
}

func runSetLabel(ctx context.Context, h *Handler, rec user.Record, rest string) (string, error) {
	from, to, label, err := parseSetLabelArgs(rest)
	if err != nil {
		return "", err
	}
	if err := h.samples.RewriteLabel(rec.UserID, from, to, label); err != nil {
		// Out-of-range positions are user input errors, not I/O failures.
		return fmt.Sprintf("Could not update: %v", err), nil
	}
	if from == to {
		return fmt.Sprintf("Updated label of sample %d to '%s'", from, label), nil
	}
	return fmt.Sprintf("Updated labels of samples %d-%d to '%s'", from, to, label), nil
}

// parseHistoryArgs parses "[-i index] [-n size]" in either order.
func parseHistoryArgs(rest string) (index, size int, err error) {
	size = defaultHistorySize
	fields := strings.Fields(rest)
	for i := 0; i < len(fields); i++ {
		switch fields[i] {
		case "-i", "-n":
			if i+1 >= len(fields) {
				return 0, 0, errParse
			}
			v, convErr := strconv.Atoi(fields[i+1])
			if convErr != nil || v < 1 {
				return 0, 0, errParse
			}
			if fields[i] == "-i" {
				index = v
			} else {
				size = v
			}
			i++
		default:
			return 0, 0, errParse
		}
	}
	return index, size, nil
}

// parseSetLabelArgs parses "<pos> <words>" or "<from>-<to> <words>". The new
// label must satisfy the activity grammar or be the placeholder token.
func parseSetLabelArgs(rest string) (from, to int, label string, err error) {
	pos, label, ok := strings.Cut(rest, " ")
	if !ok {
		return 0, 0, "", errParse
	}
	label = strings.TrimSpace(label)
	if !isActivityPhrase(label) && label != sample.PlaceholderLabel {
		return 0, 0, "", errParse
	}

	if lo, hi, isRange := strings.Cut(pos, "-"); isRange {
		from, err = strconv.Atoi(lo)
		if err != nil {
			return 0, 0, "", errParse
		}
		to, err = strconv.Atoi(hi)
		if err != nil {
			return 0, 0, "", errParse
		}
	} else {
		from, err = strconv.Atoi(pos)
		if err != nil {
			return 0, 0, "", errParse
		}
		to = from
	}
	if from < 1 || to < from {
		return 0, 0, "", errParse
	}
	return from, to, label, nil
}
