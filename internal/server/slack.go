package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/caevv/cronwatch/internal/health"
	"github.com/caevv/cronwatch/internal/logging"
	"github.com/caevv/cronwatch/internal/notify"
	"github.com/caevv/cronwatch/internal/registry"
)

const (
	slackSignatureHeader = "X-Slack-Signature"
	slackTimestampHeader = "X-Slack-Request-Timestamp"
	slackMaxSkew         = 5 * time.Minute
	slackMaxBody         = 1 << 20
)

var (
	errBadSignature = errors.New("invalid slack signature")

	slackMention = regexp.MustCompile(`^<@([A-Z0-9]+)(\|[^>]*)?>$`)
	slackRawID   = regexp.MustCompile(`^[A-Z0-9]+$`)
)

type slackReply struct {
	ResponseType string `json:"response_type"`
	Text         string `json:"text"`
}

// verifySlackSignature checks a v0 request signature and rejects stale
// timestamps.
func verifySlackSignature(secret, timestamp string, body []byte, signature string, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", errBadSignature)
	}
	if skew := now.Sub(time.Unix(ts, 0)); skew > slackMaxSkew || skew < -slackMaxSkew {
		return fmt.Errorf("%w: stale timestamp", errBadSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:", timestamp)
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errBadSignature
	}
	return nil
}

// parseSlackUserID accepts <@U123|name>, <@U123> or a raw U123.
func parseSlackUserID(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if m := slackMention.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	if slackRawID.MatchString(text) {
		return text, true
	}
	return "", false
}

func (s *Server) handleSlackCommand(c *gin.Context) {
	if s.opts.SlackSigningSecret == "" {
		s.abort(c, http.StatusNotFound, "slash commands are not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, slackMaxBody))
	if err != nil {
		s.abort(c, http.StatusBadRequest, "unreadable body")
		return
	}
	err = verifySlackSignature(s.opts.SlackSigningSecret,
		c.GetHeader(slackTimestampHeader), body, c.GetHeader(slackSignatureHeader), s.now())
	if err != nil {
		logging.FromContext(c.Request.Context()).Warn("rejected slash command", "error", err)
		s.abort(c, http.StatusUnauthorized, "invalid signature")
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		s.abort(c, http.StatusBadRequest, "malformed form body")
		return
	}

	text := s.runSlashCommand(c.Request.Context(), form.Get("user_id"), form.Get("text"))
	c.JSON(http.StatusOK, slackReply{ResponseType: "ephemeral", Text: text})
}

const slackHelp = "*cronwatch commands*\n" +
	"`status` current anomalies\n" +
	"`jobs` every job with its health\n" +
	"`register <name> <every_s> [max_runtime_s] [severity]`\n" +
	"`deactivate <name>` / `delete <name>`\n" +
	"`maintainer add|remove <job> @user`\n" +
	"`addadmin @user` / `removeadmin @user` / `admins`\n" +
	"`digest` today's run counts"

// runSlashCommand executes one command and returns the reply text.
func (s *Server) runSlashCommand(ctx context.Context, userID, text string) string {
	args := strings.Fields(text)
	if len(args) == 0 {
		return slackHelp
	}
	actor := registry.User(userID)
	sub, args := strings.ToLower(args[0]), args[1:]

	logging.FromContext(ctx).Info("slash command", "user_id", userID, "subcommand", sub)

	switch sub {
	case "help":
		return slackHelp
	case "status":
		return s.slackStatus(ctx)
	case "jobs":
		return s.slackJobs(ctx)
	case "register":
		return s.slackRegister(ctx, actor, args)
	case "deactivate":
		if len(args) != 1 {
			return usage("deactivate <name>")
		}
		if _, err := s.registry.Deactivate(ctx, actor, args[0]); err != nil {
			return failure("deactivate job", err)
		}
		return fmt.Sprintf(":zzz: Deactivated `%s`.", args[0])
	case "delete":
		if len(args) != 1 {
			return usage("delete <name>")
		}
		if err := s.registry.Delete(ctx, actor, args[0]); err != nil {
			return failure("delete job", err)
		}
		return fmt.Sprintf(":wastebasket: Deleted `%s` and its history.", args[0])
	case "maintainer":
		return s.slackMaintainer(ctx, actor, args)
	case "addadmin":
		target, ok := singleUser(args)
		if !ok {
			return usage("addadmin @user")
		}
		if err := s.registry.AddAdmin(ctx, actor, target); err != nil {
			return failure("add admin", err)
		}
		return fmt.Sprintf(":white_check_mark: <@%s> is now an admin.", target)
	case "removeadmin":
		target, ok := singleUser(args)
		if !ok {
			return usage("removeadmin @user")
		}
		if err := s.registry.RemoveAdmin(ctx, actor, target); err != nil {
			return failure("remove admin", err)
		}
		return fmt.Sprintf(":wastebasket: <@%s> is no longer an admin.", target)
	case "admins":
		return s.slackAdmins(ctx)
	case "digest":
		d, err := s.monitor.Digest(ctx)
		if err != nil {
			return failure("build digest", err)
		}
		return notify.DigestMessage(d).Text
	default:
		return fmt.Sprintf(":warning: Unknown command `%s`.\n%s", sub, slackHelp)
	}
}

func usage(form string) string {
	return fmt.Sprintf(":warning: Usage: `/cronwatch %s`", form)
}

func failure(action string, err error) string {
	if errors.Is(err, registry.ErrForbidden) {
		return ":no_entry: " + err.Error()
	}
	return fmt.Sprintf(":x: Failed to %s: %v", action, err)
}

func singleUser(args []string) (string, bool) {
	if len(args) != 1 {
		return "", false
	}
	return parseSlackUserID(args[0])
}

func (s *Server) slackStatus(ctx context.Context) string {
	anomalies, err := s.monitor.Anomalies(ctx)
	if err != nil {
		return failure("evaluate jobs", err)
	}
	if len(anomalies) == 0 {
		return ":white_check_mark: All active jobs are healthy."
	}

	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: *%d anomalies*\n", len(anomalies))
	for _, a := range anomalies {
		fmt.Fprintf(&b, "• `%s` %s: %s\n", a.JobName, a.Kind, a.Detail)
	}
	return strings.TrimRight(b.String(), "\n")
}

var stateEmoji = map[health.State]string{
	health.StateOK:       ":large_green_circle:",
	health.StateMissed:   ":red_circle:",
	health.StateStuck:    ":large_orange_circle:",
	health.StateInactive: ":white_circle:",
}

func (s *Server) slackJobs(ctx context.Context) string {
	overview, err := s.monitor.Overview(ctx)
	if err != nil {
		return failure("list jobs", err)
	}
	if len(overview) == 0 {
		return "_No jobs registered._"
	}

	var b strings.Builder
	b.WriteString("*Jobs*\n")
	for _, jh := range overview {
		fmt.Fprintf(&b, "%s `%s` %s, every %s, %s\n",
			stateEmoji[jh.State], jh.Job.Name, jh.State, jh.Job.ExpectedEvery(), jh.Job.Severity)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Server) slackRegister(ctx context.Context, actor registry.Actor, args []string) string {
	const form = "register <name> <every_s> [max_runtime_s] [severity]"
	if len(args) < 2 || len(args) > 4 {
		return usage(form)
	}

	spec := registry.JobSpec{Name: args[0]}
	every, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return usage(form)
	}
	spec.ExpectedEverySeconds = every

	for _, arg := range args[2:] {
		if n, err := strconv.ParseInt(arg, 10, 64); err == nil {
			spec.MaxRuntimeSeconds = n
		} else {
			spec.Severity = arg
		}
	}

	job, err := s.registry.Register(ctx, actor, spec)
	if err != nil {
		return failure("register job", err)
	}
	return fmt.Sprintf(":white_check_mark: Registered `%s` (every %s, %s severity).", job.Name, job.ExpectedEvery(), job.Severity)
}

func (s *Server) slackMaintainer(ctx context.Context, actor registry.Actor, args []string) string {
	const form = "maintainer add|remove <job> @user"
	if len(args) != 3 {
		return usage(form)
	}
	op, job := strings.ToLower(args[0]), args[1]
	target, ok := parseSlackUserID(args[2])
	if !ok {
		return usage(form)
	}

	switch op {
	case "add":
		if err := s.registry.AddMaintainer(ctx, actor, job, target); err != nil {
			return failure("add maintainer", err)
		}
		return fmt.Sprintf(":white_check_mark: <@%s> now maintains `%s`.", target, job)
	case "remove":
		if err := s.registry.RemoveMaintainer(ctx, actor, job, target); err != nil {
			return failure("remove maintainer", err)
		}
		return fmt.Sprintf(":wastebasket: <@%s> no longer maintains `%s`.", target, job)
	default:
		return usage(form)
	}
}

func (s *Server) slackAdmins(ctx context.Context) string {
	admins, err := s.registry.ListAdmins(ctx)
	if err != nil {
		return failure("list admins", err)
	}
	if len(admins) == 0 {
		return "_No admins configured._"
	}

	var b strings.Builder
	b.WriteString(":busts_in_silhouette: *Admins*\n")
	for _, a := range admins {
		if a.IsSuperAdmin {
			fmt.Fprintf(&b, "• <@%s> (super admin)\n", a.UserID)
		} else {
			fmt.Fprintf(&b, "• <@%s>\n", a.UserID)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
