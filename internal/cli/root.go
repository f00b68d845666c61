package cli

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dkowalski/fileferry/internal/auth"
	"github.com/dkowalski/fileferry/internal/client"
	"github.com/dkowalski/fileferry/internal/config"
	"github.com/dkowalski/fileferry/internal/db"
	"github.com/dkowalski/fileferry/internal/server"
	"github.com/dkowalski/fileferry/internal/util"
)

type VersionInfo struct {
	Version string
	Commit  string
	Date    string
}

type rootState struct {
	configPath string
	dataDir    string
}

type serveFlags struct {
	bind        string
	port        int
	cert        string
	key         string
	logLevel    string
	idleTimeout string
	qr          bool
}

func NewRootCmd(v VersionInfo) *cobra.Command {
	state := &rootState{}
	serve := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "fileferry",
		Short: "Authenticated file exchange over a framed TCP protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, state, serve)
		},
	}
	cmd.PersistentFlags().StringVar(&state.configPath, "config", "", "config path (default: platform user config)")
	cmd.PersistentFlags().StringVar(&state.dataDir, "data-dir", "", "data directory for SQLite and file tiers")
	addServeFlags(cmd, serve)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, state, serve)
		},
	}
	addServeFlags(serveCmd, serve)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print config location and effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, cfg, err := loadConfig(state)
			if err != nil {
				return err
			}
			fmt.Printf("Config path: %s\n", cfgPath)
			fmt.Printf("Data dir: %s\n", cfg.DataDir)
			if err := config.Validate(cfg); err != nil {
				fmt.Printf("Validation: failed (%v)\n", err)
			} else {
				fmt.Println("Validation: ok")
			}
			b, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Println(string(b))
			return nil
		},
	}
	configInitCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the config path",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, cfg, err := loadConfig(state)
			if err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Printf("Config saved to %s\n", cfgPath)
			return nil
		},
	}
	configCmd.AddCommand(configInitCmd)

	userCmd := buildUserCommands(state)
	clientCmd := buildClientCommands(state)

	auditLimit := 50
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(state)
			if err != nil {
				return err
			}
			store, err := db.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()
			logs, err := store.ListAudit(auditLimit)
			if err != nil {
				return err
			}
			for _, l := range logs {
				actor := "anonymous"
				if l.Username != nil {
					actor = *l.Username
				}
				fmt.Printf("%s\t%s\t%s\t%s\t%s\n", l.CreatedAt.Format("2006-01-02 15:04:05"), actor, l.Action, l.Target, l.Metadata)
			}
			return nil
		},
	}
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "number of entries to show")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fileferry %s\ncommit: %s\nbuilt: %s\n", v.Version, v.Commit, v.Date)
		},
	}

	cmd.AddCommand(serveCmd, configCmd, userCmd, clientCmd, auditCmd, versionCmd)
	return cmd
}

func addServeFlags(cmd *cobra.Command, f *serveFlags) {
	cmd.Flags().StringVar(&f.bind, "bind", "", "bind address (default from config, typically 0.0.0.0)")
	cmd.Flags().IntVar(&f.port, "port", 0, "server port")
	cmd.Flags().StringVar(&f.cert, "cert", "", "TLS certificate path")
	cmd.Flags().StringVar(&f.key, "key", "", "TLS key path")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level: debug|info|warn|error")
	cmd.Flags().StringVar(&f.idleTimeout, "idle-timeout", "", "idle session timeout (e.g. 5m, 0 to disable)")
	cmd.Flags().BoolVar(&f.qr, "qr", false, "print a QR code for the first reachable address")
}

func loadConfig(state *rootState) (string, config.Config, error) {
	cfgPath := strings.TrimSpace(state.configPath)
	if cfgPath == "" {
		p, err := config.ConfigPathFromEnv()
		if err != nil {
			return "", config.Config{}, err
		}
		cfgPath = p
	}
	cfg, err := config.LoadOrDefault(cfgPath, state.dataDir)
	if err != nil {
		return "", config.Config{}, err
	}
	return cfgPath, cfg, nil
}

func mergeServeFlags(cmd *cobra.Command, cfg config.Config, f *serveFlags) config.Config {
	if cmd.Flags().Changed("bind") {
		cfg.Bind = f.bind
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = f.port
	}
	if cmd.Flags().Changed("cert") {
		cfg.CertFile = f.cert
	}
	if cmd.Flags().Changed("key") {
		cfg.KeyFile = f.key
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(f.logLevel))
	}
	if cmd.Flags().Changed("idle-timeout") {
		cfg.IdleTimeout = f.idleTimeout
	}
	return cfg
}

func runServe(cmd *cobra.Command, state *rootState, flags *serveFlags) error {
	cfgPath, cfg, err := loadConfig(state)
	if err != nil {
		return err
	}
	cfg = mergeServeFlags(cmd, cfg, flags)
	if err := config.Validate(cfg); err != nil {
		return err
	}

	addrs := util.DiscoverAddrs(cfg.Bind, cfg.Port)
	fmt.Printf("Config: %s\n", cfgPath)
	fmt.Printf("Data:   %s\n", cfg.DataDir)
	fmt.Printf("TLS:    %v\n", cfg.CertFile != "")
	fmt.Println("Addresses:")
	for _, a := range addrs {
		fmt.Printf("  - %s\n", a)
	}
	if flags.qr && len(addrs) > 0 {
		fmt.Println("QR (scan from a device on the same LAN):")
		util.PrintTerminalQR(addrs[0])
	}
	fmt.Println("Press Ctrl+C to stop.")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return server.Run(ctx, cfg)
}

func promptPassword(prompt string) (string, error) {
	fmt.Printf("%s: ", prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		return string(b), err
	}
	reader := bufio.NewReader(os.Stdin)
	text, err := reader.ReadString('\n')
	return strings.TrimSpace(text), err
}

func promptPasswordTwice(label string) (string, error) {
	first, err := promptPassword(label)
	if err != nil {
		return "", err
	}
	second, err := promptPassword(label + " (confirm)")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passwords do not match")
	}
	if strings.TrimSpace(first) == "" {
		return "", errors.New("password cannot be empty")
	}
	return first, nil
}

func buildUserCommands(state *rootState) *cobra.Command {
	userCmd := &cobra.Command{Use: "user", Short: "User management (server side)"}
	role := "user"
	generate := false

	openAuthority := func() (*auth.Authority, *db.Store, error) {
		_, cfg, err := loadConfig(state)
		if err != nil {
			return nil, nil, err
		}
		store, err := db.Open(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return auth.NewAuthority(store), store, nil
	}

	addCmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			authority, store, err := openAuthority()
			if err != nil {
				return err
			}
			defer store.Close()
			var pass string
			if generate {
				pass, err = util.RandomToken(12)
			} else {
				pass, err = promptPasswordTwice("Password")
			}
			if err != nil {
				return err
			}
			username := strings.ToLower(strings.TrimSpace(args[0]))
			if err := authority.RegisterWithRole(username, pass, role); err != nil {
				return err
			}
			fmt.Printf("created user %s (role=%s)\n", username, role)
			if generate {
				fmt.Printf("generated password: %s\n", pass)
			}
			return nil
		},
	}
	addCmd.Flags().StringVar(&role, "role", "user", "role: user|admin")
	addCmd.Flags().BoolVar(&generate, "generate", false, "generate a random password and print it")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(state)
			if err != nil {
				return err
			}
			store, err := db.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()
			users, err := store.ListUsers()
			if err != nil {
				return err
			}
			for _, u := range users {
				status := "active"
				if u.Disabled {
					status = "disabled"
				}
				fmt.Printf("%s\t%s\t%s\n", u.Username, u.Role, status)
			}
			return nil
		},
	}

	passwdCmd := &cobra.Command{
		Use:   "passwd <username>",
		Short: "Set a user password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(state)
			if err != nil {
				return err
			}
			store, err := db.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()
			pass, err := promptPasswordTwice("New password")
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(pass)
			if err != nil {
				return err
			}
			return store.SetUserPassword(args[0], hash)
		},
	}

	disableCmd := &cobra.Command{
		Use:   "disable <username>",
		Short: "Disable a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(state)
			if err != nil {
				return err
			}
			store, err := db.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.SetUserDisabled(args[0], true)
		},
	}
	enableCmd := &cobra.Command{
		Use:   "enable <username>",
		Short: "Enable a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(state)
			if err != nil {
				return err
			}
			store, err := db.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.SetUserDisabled(args[0], false)
		},
	}

	userCmd.AddCommand(addCmd, listCmd, passwdCmd, disableCmd, enableCmd)
	return userCmd
}

type clientFlags struct {
	server   string
	plain    bool
	insecure bool
	caFile   string
	user     string
}

// connect opens a connection using the configured tokens and chunk size so
// the client always speaks the same dialect as the server it was set up for.
func (f *clientFlags) connect(cfg config.Config) (*client.Client, error) {
	addr := strings.TrimSpace(f.server)
	if addr == "" {
		addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Port))
	}
	if f.plain {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return client.New(conn, cfg.Tokens, cfg.ChunkSize), nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if f.insecure {
		tlsCfg.InsecureSkipVerify = true
	}
	if f.caFile != "" {
		pem, err := os.ReadFile(f.caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", f.caFile)
		}
		tlsCfg.RootCAs = pool
	}
	return client.Dial(addr, tlsCfg, cfg.Tokens, cfg.ChunkSize)
}

// login prompts for the password of --user and authenticates the connection.
func (f *clientFlags) login(c *client.Client) error {
	if strings.TrimSpace(f.user) == "" {
		return errors.New("--user is required for this command")
	}
	pass, err := promptPassword("Password for " + f.user)
	if err != nil {
		return err
	}
	role, err := c.Login(f.user, pass)
	if err != nil {
		return err
	}
	fmt.Printf("logged in as %s (%s)\n", f.user, role)
	return nil
}

func buildClientCommands(state *rootState) *cobra.Command {
	flags := &clientFlags{}
	clientCmd := &cobra.Command{Use: "client", Short: "Talk to a fileferry server"}
	clientCmd.PersistentFlags().StringVar(&flags.server, "server", "", "server address host:port (default 127.0.0.1:<config port>)")
	clientCmd.PersistentFlags().StringVar(&flags.user, "user", "", "username to authenticate as")
	clientCmd.PersistentFlags().BoolVar(&flags.plain, "plain", false, "connect without TLS")
	clientCmd.PersistentFlags().BoolVar(&flags.insecure, "insecure", false, "skip TLS certificate verification")
	clientCmd.PersistentFlags().StringVar(&flags.caFile, "ca", "", "PEM file with the server CA certificate")

	// withConn wraps a command body with connect/quit bookkeeping.
	withConn := func(authenticated bool, body func(c *client.Client, cfg config.Config, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(state)
			if err != nil {
				return err
			}
			c, err := flags.connect(cfg)
			if err != nil {
				return err
			}
			defer c.Quit()
			if authenticated {
				if err := flags.login(c); err != nil {
					return err
				}
			}
			return body(c, cfg, args)
		}
	}

	registerCmd := &cobra.Command{
		Use:   "register <username>",
		Short: "Create an account on the server",
		Args:  cobra.ExactArgs(1),
		RunE: withConn(false, func(c *client.Client, cfg config.Config, args []string) error {
			pass, err := promptPasswordTwice("Password")
			if err != nil {
				return err
			}
			if err := c.Register(args[0], pass); err != nil {
				return err
			}
			fmt.Printf("registered %s\n", strings.ToLower(args[0]))
			return nil
		}),
	}

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that the server responds",
		Args:  cobra.NoArgs,
		RunE: withConn(false, func(c *client.Client, cfg config.Config, args []string) error {
			if err := c.Ping(); err != nil {
				return err
			}
			fmt.Println("pong")
			return nil
		}),
	}

	shared := false
	uploadCmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a file to your private area (or shared with --shared)",
		Args:  cobra.ExactArgs(1),
		RunE: withConn(true, func(c *client.Client, cfg config.Config, args []string) error {
			up := c.UploadPrivate
			if shared {
				up = c.UploadShared
			}
			n, err := up(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("uploaded %s (%d bytes)\n", args[0], n)
			return nil
		}),
	}
	uploadCmd.Flags().BoolVar(&shared, "shared", false, "upload straight into the shared tier")

	getCmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Download a public file (no login needed)",
		Args:  cobra.ExactArgs(1),
		RunE: withConn(false, func(c *client.Client, cfg config.Config, args []string) error {
			if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
				return err
			}
			dest, n, err := c.DownloadPublic(args[0], cfg.DownloadDir)
			if err != nil {
				return err
			}
			fmt.Printf("saved %s (%d bytes)\n", dest, n)
			return nil
		}),
	}

	sharedCmd := &cobra.Command{Use: "shared", Short: "Shared tier operations"}
	sharedListCmd := &cobra.Command{
		Use:   "list",
		Short: "List all shared files",
		Args:  cobra.NoArgs,
		RunE: withConn(true, func(c *client.Client, cfg config.Config, args []string) error {
			files, err := c.ListShared()
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Printf("%s\t%s\t%d\n", f.Owner, f.Name, f.Size)
			}
			return nil
		}),
	}
	sharedGetCmd := &cobra.Command{
		Use:   "get <owner> <name>",
		Short: "Download a shared file",
		Args:  cobra.ExactArgs(2),
		RunE: withConn(true, func(c *client.Client, cfg config.Config, args []string) error {
			if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
				return err
			}
			dest, n, err := c.DownloadShared(args[0], args[1], cfg.DownloadDir)
			if err != nil {
				return err
			}
			fmt.Printf("saved %s (%d bytes)\n", dest, n)
			return nil
		}),
	}
	sharedCmd.AddCommand(sharedListCmd, sharedGetCmd)

	tier := "shared"
	promoteCmd := &cobra.Command{
		Use:   "promote <name>",
		Short: "Move one of your private files into the shared or public tier",
		Args:  cobra.ExactArgs(1),
		RunE: withConn(true, func(c *client.Client, cfg config.Config, args []string) error {
			var err error
			switch strings.ToLower(tier) {
			case "shared":
				err = c.MakeShared(args[0])
			case "public":
				err = c.MakePublic(args[0])
			default:
				return fmt.Errorf("invalid tier %q (want shared or public)", tier)
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s is now %s\n", args[0], strings.ToLower(tier))
			return nil
		}),
	}
	promoteCmd.Flags().StringVar(&tier, "tier", "shared", "target tier: shared|public")

	adminCmd := &cobra.Command{Use: "admin", Short: "Administrative operations"}
	adminListCmd := &cobra.Command{
		Use:   "list <owner> <tier>",
		Short: "List any user's files in a tier",
		Args:  cobra.ExactArgs(2),
		RunE: withConn(true, func(c *client.Client, cfg config.Config, args []string) error {
			files, err := c.AdminList(args[0], args[1])
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Printf("%s\t%d\n", f.Name, f.Size)
			}
			return nil
		}),
	}
	adminGetCmd := &cobra.Command{
		Use:   "get <owner> <tier> <name>",
		Short: "Download any user's file",
		Args:  cobra.ExactArgs(3),
		RunE: withConn(true, func(c *client.Client, cfg config.Config, args []string) error {
			if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
				return err
			}
			dest, n, err := c.AdminDownload(args[0], args[1], args[2], cfg.DownloadDir)
			if err != nil {
				return err
			}
			fmt.Printf("saved %s (%d bytes)\n", dest, n)
			return nil
		}),
	}
	adminCmd.AddCommand(adminListCmd, adminGetCmd)

	clientCmd.AddCommand(registerCmd, pingCmd, uploadCmd, getCmd, sharedCmd, promoteCmd, adminCmd)
	return clientCmd
}
