package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drivewhip/crmlink/client/internal/realtime"
	"github.com/drivewhip/crmlink/pkg/protocol"
)

func newNotifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Prepare and send applicant notifications",
	}
	cmd.AddCommand(newNotifyPrepareCmd())
	cmd.AddCommand(newNotifySMSCmd())
	cmd.AddCommand(newNotifyEmailCmd())
	return cmd
}

func newNotifyPrepareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prepare <sms|email> <applicant-id> <text...>",
		Short: "Expand message placeholders for an applicant",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel := strings.ToLower(args[0])
			if channel != protocol.ChannelSMS && channel != protocol.ChannelEmail {
				return fmt.Errorf("channel must be %s or %s", protocol.ChannelSMS, protocol.ChannelEmail)
			}

			a, err := newApp(cmd, appOptions{printToasts: true})
			if err != nil {
				return err
			}
			defer a.close()

			msg := a.gateway.PrepareNotificationMessage(cmd.Context(), channel, args[1], strings.Join(args[2:], " "))
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func newNotifySMSCmd() *cobra.Command {
	var from, to string
	var applicant int64
	var prepare bool

	cmd := &cobra.Command{
		Use:   "sms <message...>",
		Short: "Send a chat SMS to an applicant",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toPhone, ok := realtime.NormalizePhone(to)
			if !ok {
				return fmt.Errorf("--to must be a phone number")
			}
			fromPhone, _ := realtime.NormalizePhone(from)

			a, err := newApp(cmd, appOptions{printToasts: true})
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if fromPhone == "" {
				fromPhone, _ = a.session.LastPhone(ctx)
			}
			if fromPhone == "" {
				return fmt.Errorf("--from is required")
			}

			text := strings.Join(args, " ")
			if prepare && applicant != 0 {
				text = a.gateway.PrepareNotificationMessage(ctx, protocol.ChannelSMS, strconv.FormatInt(applicant, 10), text)
			}

			res, err := a.gateway.SendSMS(ctx, protocol.SMSChatRequest{
				From:        fromPhone,
				To:          toPhone,
				Message:     text,
				ApplicantID: applicant,
			})
			if err != nil {
				return err
			}
			if !res.OK {
				return fmt.Errorf("send sms: %s", res.ErrorMessage())
			}
			if err := a.session.SetLastPhone(ctx, fromPhone); err != nil {
				a.logger.Warn("remember phone", "error", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "SMS sent to %s\n", toPhone)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "sending phone (defaults to the last phone used)")
	cmd.Flags().StringVar(&to, "to", "", "applicant phone")
	cmd.Flags().Int64Var(&applicant, "applicant", 0, "applicant id")
	cmd.Flags().BoolVar(&prepare, "prepare", false, "expand placeholders before sending")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newNotifyEmailCmd() *cobra.Command {
	var title, templateID string
	var to []string

	cmd := &cobra.Command{
		Use:   "email <message...>",
		Short: "Send a templated email",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, appOptions{printToasts: true})
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.gateway.SendTemplateEmail(cmd.Context(), protocol.EmailTemplateRequest{
				Title:      title,
				Message:    strings.Join(args, " "),
				TemplateID: templateID,
				To:         to,
			})
			if err != nil {
				return err
			}
			if !res.OK {
				return fmt.Errorf("send email: %s", res.ErrorMessage())
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Email sent to %d recipient(s)\n", len(to))
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "email subject")
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	cmd.Flags().StringSliceVar(&to, "to", nil, "recipient address (repeatable)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
