package cli

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cloudbackup/cloudbackup/internal/auth"
	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/login"
	"github.com/cloudbackup/cloudbackup/internal/store"
)

// maxChallengeAttempts bounds retries of a rejected challenge response.
const maxChallengeAttempts = 3

// loginFlow is the part of the login pipeline the command drives.
type loginFlow interface {
	SubmitPassword(ctx context.Context, email, password string) (*login.Step, error)
	SubmitSecondFactor(ctx context.Context, code string) (*login.Step, error)
	SubmitNewPassword(ctx context.Context, newPassword, confirmPassword string, attrs map[string]string) (*login.Step, error)
	Cancel()
}

type loginFactory func(ctx context.Context, a *app) (loginFlow, error)

func newCognitoLogin(ctx context.Context, a *app) (loginFlow, error) {
	if !a.cfg.Identity.Configured() {
		return nil, &errors.ErrValidation{Field: "identity.client_id", Reason: "sign-in is not configured"}
	}
	provider, err := auth.NewCognitoProviderFromConfig(ctx, a.cfg.Identity)
	if err != nil {
		return nil, err
	}
	authn := auth.NewAuthenticator(provider,
		auth.WithLogger(a.logger),
		auth.WithMetrics(a.metrics),
		auth.WithSecondFactor(a.cfg.Identity.MFAEnabled),
	)
	coord, err := a.coordinator(ctx)
	if err != nil {
		return nil, err
	}
	return login.NewPipeline(authn, coord, a.profiles, a.cfg.Storage.Bucket, login.WithLogger(a.logger)), nil
}

func newLoginCmd(e *env) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and provision the active profile",
		Long: `Sign in with your email and password, answer any verification or
password-change challenge, then derive storage credentials and select the
profile bound to your identity.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(e)
			if err != nil {
				return err
			}
			defer a.Close()

			flow, err := e.newLogin(cmd.Context(), a)
			if err != nil {
				return err
			}
			settings := a.store.Settings()
			lastEmail, _ := settings.Get(store.SettingLastLoginEmail)
			res, err := runLogin(cmd.Context(), flow, e.prompt(cmd), email, lastEmail)
			if err != nil {
				return err
			}
			if err := settings.Set(store.SettingLastLoginEmail, res.Session.Email); err != nil {
				a.logger.Warn("failed to remember login email", "error", err)
			}

			out := cmd.OutOrStdout()
			if e.flags.JSON {
				return printJSON(out, map[string]any{
					"email":    res.Session.Email,
					"profile":  res.Profile.Redacted(),
					"warnings": res.Warnings,
				})
			}
			fmt.Fprintf(out, "Signed in as %s\n", res.Session.Email)
			fmt.Fprintf(out, "Active profile: %s (%s, %s)\n", res.Profile.Name, res.Profile.Role, res.Profile.Destination())
			for _, w := range res.Warnings {
				fmt.Fprintf(out, "Warning: %s\n", w)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email (prompted when empty)")
	return cmd
}

// runLogin answers challenges until the pipeline completes. An empty email
// answer falls back to lastEmail.
func runLogin(ctx context.Context, flow loginFlow, p prompter, email, lastEmail string) (*login.Result, error) {
	var err error
	if email == "" {
		label := "Email: "
		if lastEmail != "" {
			label = fmt.Sprintf("Email [%s]: ", lastEmail)
		}
		if email, err = p.Line(label); err != nil {
			return nil, err
		}
		if email == "" {
			email = lastEmail
		}
	}
	password, err := p.Secret("Password: ")
	if err != nil {
		return nil, err
	}

	step, err := flow.SubmitPassword(ctx, email, password)
	rejected := 0
	for {
		if err != nil {
			var challenge *errors.ErrInvalidChallengeResponse
			if stderrors.As(err, &challenge) && step != nil && rejected < maxChallengeAttempts-1 && isChallenge(step.Snapshot.State) {
				rejected++
				p.Notice(fmt.Sprintf("%v, try again", err))
			} else {
				flow.Cancel()
				return nil, err
			}
		}
		if step.Result != nil {
			return step.Result, nil
		}

		switch step.Snapshot.State {
		case auth.StateChallengeSecondFactor:
			code, perr := p.Line("Verification code: ")
			if perr != nil {
				flow.Cancel()
				return nil, perr
			}
			step, err = flow.SubmitSecondFactor(ctx, code)
		case auth.StateChallengeNewPassword:
			attrs, newPassword, confirm, perr := promptNewPassword(p, step.Snapshot.RequiredAttributes)
			if perr != nil {
				flow.Cancel()
				return nil, perr
			}
			step, err = flow.SubmitNewPassword(ctx, newPassword, confirm, attrs)
		default:
			flow.Cancel()
			return nil, fmt.Errorf("sign-in stopped in state %s", step.Snapshot.State)
		}
	}
}

func isChallenge(s auth.State) bool {
	return s == auth.StateChallengeSecondFactor || s == auth.StateChallengeNewPassword
}

func promptNewPassword(p prompter, required []string) (map[string]string, string, string, error) {
	p.Notice("A new password is required.")
	newPassword, err := p.Secret("New password: ")
	if err != nil {
		return nil, "", "", err
	}
	confirm, err := p.Secret("Confirm new password: ")
	if err != nil {
		return nil, "", "", err
	}
	attrs := make(map[string]string, len(required))
	for _, name := range required {
		v, err := p.Line(name + ": ")
		if err != nil {
			return nil, "", "", err
		}
		attrs[name] = v
	}
	return attrs, newPassword, confirm, nil
}

// prompter asks the operator for input.
type prompter interface {
	Line(label string) (string, error)
	Secret(label string) (string, error)
	Confirm(label string) (bool, error)
	Notice(msg string)
}

type terminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
	tty bool
}

// newTerminalPrompter reads from the command's input and disables echo for
// secrets when that input is a terminal.
func newTerminalPrompter(cmd *cobra.Command) prompter {
	p := &terminalPrompter{
		in:  bufio.NewReader(cmd.InOrStdin()),
		out: cmd.ErrOrStderr(),
	}
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.fd = int(f.Fd())
		p.tty = true
	}
	return p
}

func (p *terminalPrompter) Line(label string) (string, error) {
	fmt.Fprint(p.out, label)
	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(strings.TrimSpace(label), ":"), err)
	}
	return strings.TrimSpace(line), nil
}

func (p *terminalPrompter) Secret(label string) (string, error) {
	if !p.tty {
		return p.Line(label)
	}
	fmt.Fprint(p.out, label)
	b, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (p *terminalPrompter) Confirm(label string) (bool, error) {
	answer, err := p.Line(label + " [y/N]: ")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func (p *terminalPrompter) Notice(msg string) {
	fmt.Fprintln(p.out, msg)
}
