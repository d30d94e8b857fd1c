package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/icloud-go/internal/auth"
	"github.com/tonimelisma/icloud-go/internal/cloud"
	"github.com/tonimelisma/icloud-go/internal/config"
	"github.com/tonimelisma/icloud-go/internal/icloud"
	"github.com/tonimelisma/icloud-go/internal/sessionfile"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in to iCloud",
		Long: `Sign in with the Apple ID password, completing two-factor or two-step
verification when the account asks for it. The session is saved so later
commands run without a password; the password itself is kept in an encrypted
local store unless save_password is false.`,
		RunE: runLogin,
	}
}

func newLogoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign out and remove the saved session",
		RunE:  runLogout,
	}

	cmd.Flags().Bool("all-browsers", false, "also sign out every other web session of this account")
	cmd.Flags().Bool("forget-password", false, "delete the stored password")
	cmd.Flags().Bool("purge", false, "delete the stored password and the config file")

	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check whether the saved session is still valid",
		Long: `Validate the saved session against iCloud without prompting. When the
session has expired and a password is stored, a fresh sign-in is attempted.`,
		RunE: runStatus,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	if _, err := requireAppleID(); err != nil {
		return err
	}

	release, err := acquireAccountLock(accountLockPath())
	if err != nil {
		return err
	}
	defer release()

	sess, err := newCLISession(cmd.Context())
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := shutdownContext(cmd.Context(), sess.Logger)
	defer cancel()

	svc := sess.Service
	p := newPrompter()

	if err := signIn(ctx, svc, p); err != nil {
		return err
	}

	if err := completeChallenge(ctx, svc, p); err != nil {
		return err
	}

	created, err := config.CreateConfigWithAccount(resolvedCfg.ConfigPath, svc.Identifier(), resolvedCfg.ChinaMainland)
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	if created {
		statusf("Created config file %s\n", resolvedCfg.ConfigPath)
	}

	stampSignIn(sess)

	info := svc.Account()
	name := info.FullName
	if name == "" {
		name = svc.Identifier()
	}

	statusf("Signed in as %s (%s).\n", name, svc.Identifier())

	return nil
}

// signIn authenticates, prompting for the password while the service
// rejects it and attempts remain. A saved session or stored password is
// tried first.
func signIn(ctx context.Context, svc *icloud.Service, p prompter) error {
	err := svc.Authenticate(ctx, false)

	for err != nil {
		switch {
		case errors.Is(err, cloud.ErrExhaustedCredentialAttempts):
			return err
		case errors.Is(err, cloud.ErrBadCredentials):
			statusf("Incorrect Apple ID or password. %d attempt(s) remaining.\n", svc.RemainingCredentialAttempts())
		case errors.Is(err, cloud.ErrCredentialRequired):
		default:
			return err
		}

		password, perr := p.Secret(fmt.Sprintf("Password for %s: ", svc.Identifier()))
		if perr != nil {
			return perr
		}

		if password == "" {
			return errors.New("password is required")
		}

		svc.UseSecret([]byte(password))
		err = svc.Authenticate(ctx, false)
	}

	return nil
}

// completeChallenge runs the verification the account asked for, then makes
// sure the session is trusted so the next sign-in skips verification.
func completeChallenge(ctx context.Context, svc *icloud.Service, p prompter) error {
	switch {
	case svc.RequiresTwoFactor():
		if err := twoFactor(ctx, svc, p); err != nil {
			return err
		}
	case svc.RequiresTwoStep():
		if err := twoStep(ctx, svc, p); err != nil {
			return err
		}
	default:
		return nil
	}

	if svc.IsTrustedSession() {
		return nil
	}

	trusted, err := svc.TrustSession(ctx)
	if err != nil {
		return fmt.Errorf("trusting session: %w", err)
	}

	if !trusted {
		statusf("Could not mark this session as trusted; you may be asked to verify again.\n")
	}

	return nil
}

func twoFactor(ctx context.Context, svc *icloud.Service, p prompter) error {
	statusf("Two-factor authentication is required. A code was sent to your trusted devices.\n")

	return readCodes(svc, p, func(code string) (bool, error) {
		return svc.ValidateTwoFactorCode(ctx, code)
	})
}

func twoStep(ctx context.Context, svc *icloud.Service, p prompter) error {
	devices, err := svc.TrustedDevices(ctx)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		return errors.New("two-step verification is required but the account has no trusted devices")
	}

	statusf("Two-step verification is required. Trusted devices:\n")

	rows := make([][]string, 0, len(devices))
	for i, d := range devices {
		rows = append(rows, []string{strconv.Itoa(i + 1), d.DisplayLabel, d.DeliveryChannel})
	}

	if !flagQuiet {
		printTable(os.Stderr, []string{"#", "DEVICE", "CHANNEL"}, rows)
	}

	device, err := chooseDevice(p, devices)
	if err != nil {
		return err
	}

	if err := svc.SendVerificationCode(ctx, device); err != nil {
		return err
	}

	statusf("Code sent to %s.\n", device.DisplayLabel)

	return readCodes(svc, p, func(code string) (bool, error) {
		return svc.ValidateVerificationCode(ctx, device, code)
	})
}

func chooseDevice(p prompter, devices []auth.TrustedDevice) (auth.TrustedDevice, error) {
	if len(devices) == 1 {
		return devices[0], nil
	}

	answer, err := p.Line(fmt.Sprintf("Choose a device [1-%d]: ", len(devices)))
	if err != nil {
		return auth.TrustedDevice{}, err
	}

	n, err := strconv.Atoi(answer)
	if err != nil || n < 1 || n > len(devices) {
		return auth.TrustedDevice{}, fmt.Errorf("invalid device choice %q", answer)
	}

	return devices[n-1], nil
}

// readCodes prompts for codes until one is accepted. The handler ends the
// loop with ChallengeAbandoned once the code budget is spent.
func readCodes(svc *icloud.Service, p prompter, validate func(code string) (bool, error)) error {
	for {
		code, err := p.Line("Verification code: ")
		if err != nil {
			return err
		}

		ok, err := validate(code)
		if err != nil {
			return err
		}

		if ok {
			return nil
		}

		statusf("Code rejected. %d attempt(s) remaining.\n", svc.RemainingCodeAttempts())
	}
}

func runLogout(cmd *cobra.Command, _ []string) error {
	allBrowsers, _ := cmd.Flags().GetBool("all-browsers")
	forget, _ := cmd.Flags().GetBool("forget-password")
	purge, _ := cmd.Flags().GetBool("purge")

	sess, err := newCLISession(cmd.Context())
	if err != nil {
		return err
	}
	defer sess.Close()

	logoutErr := sess.Service.Logout(cmd.Context(), allBrowsers, forget || purge)

	if purge {
		if err := config.DeleteConfig(resolvedCfg.ConfigPath); err != nil {
			logoutErr = errors.Join(logoutErr, fmt.Errorf("deleting config: %w", err))
		}
	}

	if logoutErr != nil {
		return logoutErr
	}

	statusf("Signed out %s.\n", sess.Service.Identifier())

	return nil
}

// metaSignedInAt records when the session was last established by `login`.
const metaSignedInAt = "signed_in_at"

// stampSignIn records the login time in the session file. The session itself
// is already saved, so a failure only loses the timestamp.
func stampSignIn(sess *CLISession) {
	stamp := map[string]string{metaSignedInAt: time.Now().UTC().Format(time.RFC3339)}

	if err := sessionfile.MergeMeta(resolvedCfg.SessionPath(), stamp); err != nil {
		sess.Logger.Warn("recording sign-in time failed", slog.String("error", err.Error()))
	}
}

// signedInAt reads the login time from the session file, if any.
func signedInAt() string {
	sf, err := sessionfile.Load(resolvedCfg.SessionPath())
	if err != nil || sf == nil {
		return ""
	}

	return sf.Meta[metaSignedInAt]
}

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	AppleID       string `json:"apple_id"`
	State         string `json:"state"`
	Authenticated bool   `json:"authenticated"`
	Trusted       bool   `json:"trusted"`
	FullName      string `json:"full_name,omitempty"`
	DSID          string `json:"dsid,omitempty"`
	SignedInAt    string `json:"signed_in_at,omitempty"`
	Error         string `json:"error,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	sess, err := newCLISession(cmd.Context())
	if err != nil {
		return err
	}
	defer sess.Close()

	svc := sess.Service
	out := statusOutput{AppleID: svc.Identifier()}

	authErr := svc.Authenticate(cmd.Context(), false)
	if authErr != nil {
		out.Error = authErr.Error()
	}

	info := svc.Account()
	out.State = svc.State().String()
	out.Authenticated = svc.IsAuthenticated()
	out.Trusted = svc.IsTrustedSession()
	out.FullName = info.FullName
	out.DSID = info.DSID
	out.SignedInAt = signedInAt()

	if flagJSON {
		if err := printJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
	} else {
		printStatusText(cmd, out)
	}

	if errors.Is(authErr, cloud.ErrCredentialRequired) {
		return nil
	}

	return authErr
}

func printStatusText(cmd *cobra.Command, out statusOutput) {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Account:  %s\n", out.AppleID)

	if out.FullName != "" {
		fmt.Fprintf(w, "Name:     %s\n", out.FullName)
	}

	fmt.Fprintf(w, "State:    %s\n", out.State)
	fmt.Fprintf(w, "Trusted:  %t\n", out.Trusted)

	if out.SignedInAt != "" {
		fmt.Fprintf(w, "Since:    %s\n", out.SignedInAt)
	}

	if !out.Authenticated && out.Error == "" {
		fmt.Fprintln(w, "Run 'icloud-go login' to finish signing in.")
	}
}
