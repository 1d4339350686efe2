package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/goliatone/go-textrace"
	"github.com/spf13/cobra"
)

// CredentialOptions holds flags for sign in and sign up.
type CredentialOptions struct {
	*RootOptions
	Email       string
	Password    string
	DisplayName string
	WalletID    string
	Role        string
}

func (o *CredentialOptions) password() string {
	if o.Password != "" {
		return o.Password
	}
	return os.Getenv("TEXTRACE_PASSWORD")
}

// NewSignUpCommand creates the signup command.
func NewSignUpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CredentialOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and sign in",
		Long: `Create an account and keep its session for later commands.

The password is read from --password or TEXTRACE_PASSWORD.

Examples:
  textrace signup --email ana@mill.example --name "Ana Mill" --role manufacturer
  textrace signup --email ana@mill.example --wallet 0.0.12345`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts.RootOptions, cmd.OutOrStdout(), func(a *app) error {
				identity, err := a.sessions.SignUp(cmd.Context(), textrace.SignUpInput{
					Email:       opts.Email,
					Password:    opts.password(),
					DisplayName: opts.DisplayName,
					WalletID:    opts.WalletID,
					Role:        strings.ToLower(opts.Role),
				})
				if err != nil {
					return a.out.Failure(err)
				}
				return a.out.Success(identity, fmt.Sprintf("Welcome, %s. Signed in as %s (%s).\n", identity.DisplayName, identity.Email, identity.Role))
			})
		},
	}

	cmd.Flags().StringVar(&opts.Email, "email", "", "account email (required)")
	_ = cmd.MarkFlagRequired("email")
	cmd.Flags().StringVar(&opts.Password, "password", "", "account password")
	cmd.Flags().StringVar(&opts.DisplayName, "name", "", "display name")
	cmd.Flags().StringVar(&opts.WalletID, "wallet", "", "wallet id to link")
	cmd.Flags().StringVar(&opts.Role, "role", textrace.RoleManufacturer, "manufacturer|supplier|consumer")

	return cmd
}

// NewSignInCommand creates the signin command.
func NewSignInCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CredentialOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "signin",
		Short:         "Sign in with email and password",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts.RootOptions, cmd.OutOrStdout(), func(a *app) error {
				identity, err := a.sessions.SignIn(cmd.Context(), opts.Email, opts.password())
				if err != nil {
					return a.out.Failure(err)
				}
				return a.out.Success(identity, fmt.Sprintf("Welcome back, %s.\n", identity.DisplayName))
			})
		},
	}

	cmd.Flags().StringVar(&opts.Email, "email", "", "account email (required)")
	_ = cmd.MarkFlagRequired("email")
	cmd.Flags().StringVar(&opts.Password, "password", "", "account password")

	return cmd
}

// NewSignOutCommand creates the signout command.
func NewSignOutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "signout",
		Short:         "Sign out of the stored session",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, cmd.OutOrStdout(), func(a *app) error {
				if err := a.sessions.SignOut(cmd.Context()); err != nil {
					return a.out.Failure(err)
				}
				return a.out.Success(map[string]any{"signed_out": true}, "Signed out.\n")
			})
		},
	}
}

// NewWhoAmICommand creates the whoami command.
func NewWhoAmICommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "whoami",
		Short:         "Show the current identity",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, cmd.OutOrStdout(), func(a *app) error {
				identity, err := a.sessions.RequireIdentity()
				if err != nil {
					return a.out.Failure(err)
				}
				wallet := identity.WalletID
				if wallet == "" {
					wallet = "not linked"
				}
				return a.out.Success(identity, fmt.Sprintf(
					"%s <%s>\nrole:    %s\nwallet:  %s\nexpires: %s\n",
					identity.DisplayName, identity.Email, identity.Role, wallet,
					formatTime(identity.Session.ExpiresAt),
				))
			})
		},
	}
}

// NewLinkWalletCommand creates the link-wallet command.
func NewLinkWalletCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "link-wallet <wallet-id>",
		Short:         "Link a wallet id to the current account",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, cmd.OutOrStdout(), func(a *app) error {
				identity, err := a.sessions.LinkWallet(cmd.Context(), args[0])
				if err != nil {
					return a.out.Failure(err)
				}
				return a.out.Success(identity, fmt.Sprintf("Wallet %s linked.\n", identity.WalletID))
			})
		},
	}
}
