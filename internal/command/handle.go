package command

import (
	"context"
	"fmt"
	"strings"

	"unithost/internal/host/job"
	"unithost/pkg/utils/logger"

	"go.uber.org/zap"
)

// Message is one inbound text command.
type Message struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// Handle parses and executes msg, sending every outcome to reply. Command
// failures are replied, not returned.
func (s *Service) Handle(ctx context.Context, msg Message, reply ReplyChannel) error {
	ctx = withRequester(ctx, job.Requester{ChatID: msg.ChatID, UserID: msg.UserID})
	cmd, err := Parse(msg.Text)
	if err != nil {
		return reply.Send(ctx, Describe(err))
	}
	logger.Debug(ctx, "command received", zap.String("command", cmd.Name), zap.Strings("args", cmd.Args))

	text, err := s.execute(ctx, msg, cmd, reply)
	if err != nil {
		text = Describe(err)
	}
	if text == "" {
		return nil
	}
	return reply.Send(ctx, text)
}

func (s *Service) execute(ctx context.Context, msg Message, cmd Command, reply ReplyChannel) (string, error) {
	from := job.Requester{ChatID: msg.ChatID, UserID: msg.UserID}
	switch cmd.Name {
	case "run":
		// Progress and results wait until the start reply is out.
		gated := newGatedReply(reply)
		defer gated.release()
		name := cmd.Args[0]
		out, err := s.RequestStart(ctx, name, from, gated)
		if err != nil {
			return "", err
		}
		text := fmt.Sprintf("Started execution: %s\n\nProcessing...", name)
		if out.Warning != "" {
			text = "Warning: " + out.Warning + "\n\n" + text
		}
		send(ctx, reply, text)
		return "", nil

	case "stop":
		if err := s.RequestStop(ctx, cmd.Args[0], from); err != nil {
			return "", err
		}
		return "Stopped: " + cmd.Args[0], nil

	case "host":
		out, err := s.RequestMount(ctx, cmd.Args[0], msg.UserID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Hosted: %s\n\nURL: %s\nOwner: %s", out.Mount.Name, out.URL, out.Mount.OwnerID), nil

	case "unhost":
		info, err := s.RequestUnmount(ctx, cmd.Args[0], msg.UserID, s.IsAdmin(msg.UserID))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Stopped hosting: %s\n\nTraffic to %s is no longer served.", info.Name, info.Prefix), nil

	case "status":
		return statusText(s.RequestStatus(ctx)), nil

	case "files":
		units, err := s.ListUnits()
		if err != nil {
			return "", err
		}
		if len(units) == 0 {
			return "No files found", nil
		}
		lines := make([]string, 0, len(units))
		for _, u := range units {
			lines = append(lines, fmt.Sprintf("- %s (%d bytes)", u.Name, u.SizeBytes))
		}
		return "Files:\n" + strings.Join(lines, "\n"), nil

	case "jobs":
		jobs := s.ListJobs()
		if len(jobs) == 0 {
			return "No active processes", nil
		}
		lines := make([]string, 0, len(jobs))
		for _, j := range jobs {
			lines = append(lines, fmt.Sprintf("- %s [%s] lines: %d", j.Name, j.Status, j.Lines))
		}
		return "Jobs:\n" + strings.Join(lines, "\n"), nil

	case "apis":
		mounts := s.ListMounts(msg.UserID)
		if len(mounts) == 0 {
			return "No units currently hosted", nil
		}
		lines := make([]string, 0, len(mounts))
		for _, m := range mounts {
			lines = append(lines, fmt.Sprintf("- %s\n  owner: %s\n  url: %s", m.Name, m.OwnerID, s.MountURL(m.Prefix)))
		}
		return "Hosted units:\n" + strings.Join(lines, "\n"), nil

	case "delete":
		if err := s.DeleteUnit(ctx, cmd.Args[0], msg.UserID); err != nil {
			return "", err
		}
		return "Deleted: " + cmd.Args[0], nil

	case "clear":
		if len(cmd.Args) == 0 || cmd.Args[0] != "confirm" {
			return "Warning: this deletes ALL files and stops ALL jobs and hosted units.\nSend \"clear confirm\" to proceed.", nil
		}
		report, err := s.ClearAll(ctx, msg.UserID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Cleared %d files, %d jobs and %d hosted units.", report.Units, report.Jobs, report.Mounts), nil

	case "install":
		send(ctx, reply, "Installing: "+strings.Join(cmd.Args, " ")+"\n\nPlease wait...")
		res, err := s.Install(ctx, msg.UserID, cmd.Args)
		if err != nil {
			return "", err
		}
		text := "Installed: " + strings.Join(res.Packages, " ")
		if res.Output != "" {
			text += "\n\n" + res.Output
		}
		return text, nil

	case "import":
		if len(cmd.Args) == 0 {
			keys, err := s.Importable(ctx)
			if err != nil {
				return "", err
			}
			if len(keys) == 0 {
				return "Nothing to import", nil
			}
			return "Importable:\n- " + strings.Join(keys, "\n- "), nil
		}
		unit, err := s.Import(ctx, msg.UserID, cmd.Args[0])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("File imported: %s (%d bytes)", unit.Name, unit.SizeBytes), nil

	case "help":
		return HelpText(), nil
	}
	return "", nil
}

func statusText(st Status) string {
	var b strings.Builder
	b.WriteString("Host status\n")
	fmt.Fprintf(&b, "Files: %d\n", st.FileCount)
	fmt.Fprintf(&b, "Units running: %d\n", st.ActiveJobCount)
	fmt.Fprintf(&b, "Hosted units: %d\n", st.ActiveMountCount)
	fmt.Fprintf(&b, "Installed packages: %d", st.PackageCount)
	if len(st.Mounts) > 0 {
		b.WriteString("\n\nActive mounts:")
		for _, m := range st.Mounts {
			fmt.Fprintf(&b, "\n- %s (%s)", m.Name, m.Prefix)
		}
	}
	return b.String()
}
