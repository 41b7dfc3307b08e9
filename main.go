package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	chatcampus "github.com/putto11262002/chatcampus/app"
	"github.com/putto11262002/chatcampus/core"
	"github.com/putto11262002/chatcampus/internal/devserver"
	"github.com/putto11262002/chatcampus/internal/metrics"
	"github.com/putto11262002/chatcampus/pkg/gateway"
	"github.com/putto11262002/chatcampus/pkg/logger"
)

const usage = `usage: chatcampus [-config file] <command> [args]

commands:
  register                 create an account
  login                    sign in and store the token pair
  google-login             sign in with a Google OAuth access token
  logout                   sign out and forget the token pair
  whoami                   show the signed in user
  dashboard [-q query]     list recent rooms and activity
  topics [-q query]        list topics
  room [-metrics addr] <id>
                           join a room interactively
  delete-room <id>         delete one of your rooms
  dev-server [-seed]       run the in-memory development backend
`

// report prints the user facing messages of err and returns the exit code.
func report(err error) int {
	if err == nil {
		return 0
	}
	for _, msg := range gateway.Messages(err) {
		fmt.Fprintln(os.Stderr, msg)
	}
	return 1
}

func main() {
	os.Exit(run())
}

// run returns the exit code once every deferred cleanup has run.
func run() int {
	flags := flag.NewFlagSet("chatcampus", flag.ExitOnError)
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	configFile := flags.String("config", "", "config file")
	flags.Parse(os.Args[1:])
	if flags.NArg() == 0 {
		flags.Usage()
		return 2
	}

	config, err := chatcampus.LoadConfig(*configFile)
	if err != nil {
		return report(err)
	}
	if err := config.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, chatcampus.FormatValidationErrors(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	cmd, args := flags.Arg(0), flags.Args()[1:]
	if cmd == "dev-server" {
		return report(runDevServer(ctx, config, args))
	}

	app, err := chatcampus.New(config)
	if err != nil {
		return report(err)
	}
	defer app.Close()

	switch cmd {
	case "register":
		err = register(ctx, app)
	case "login":
		err = login(ctx, app)
	case "google-login":
		err = googleLogin(ctx, app)
	default:
		if err = app.Session().Resume(ctx); err == nil {
			err = signedIn(ctx, app, cmd, args)
		}
	}
	return report(err)
}

func signedIn(ctx context.Context, app *chatcampus.App, cmd string, args []string) error {
	if _, ok := app.Session().User(); !ok {
		return errors.New("not signed in, run chatcampus login first")
	}

	switch cmd {
	case "logout":
		return app.Session().Logout(ctx)
	case "whoami":
		u, _ := app.Session().User()
		fmt.Printf("%s %s <%s>\n", u.FirstName, u.LastName, u.Email)
		if u.Bio != "" {
			fmt.Println(u.Bio)
		}
		return nil
	case "dashboard":
		return dashboard(ctx, app, args)
	case "topics":
		return topics(ctx, app, args)
	case "room":
		return room(ctx, app, args)
	case "delete-room":
		if len(args) != 1 {
			return errors.New("usage: chatcampus delete-room <id>")
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid room id %q", args[0])
		}
		return app.DeleteRoom(ctx, id)
	}
	fmt.Fprint(os.Stderr, usage)
	return fmt.Errorf("unknown command %q", cmd)
}

func prompt(in *bufio.Reader, label string) string {
	fmt.Printf("%s: ", label)
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}

func register(ctx context.Context, app *chatcampus.App) error {
	in := bufio.NewReader(os.Stdin)
	input := core.RegisterInput{
		Email:     prompt(in, "email"),
		FirstName: prompt(in, "first name"),
		LastName:  prompt(in, "last name"),
		Password:  prompt(in, "password"),
		Password2: prompt(in, "confirm password"),
	}
	msg, err := app.API().Register(ctx, input)
	if err != nil {
		return err
	}
	fmt.Println(msg)
	return nil
}

func login(ctx context.Context, app *chatcampus.App) error {
	in := bufio.NewReader(os.Stdin)
	email := prompt(in, "email")
	password := prompt(in, "password")
	if err := app.Session().Login(ctx, email, password); err != nil {
		return err
	}
	u, _ := app.Session().User()
	fmt.Printf("signed in as %s\n", u.FirstName)
	return nil
}

func googleLogin(ctx context.Context, app *chatcampus.App) error {
	in := bufio.NewReader(os.Stdin)
	token := prompt(in, "google access token")
	if err := app.Session().LoginWithGoogle(ctx, token); err != nil {
		return err
	}
	u, _ := app.Session().User()
	fmt.Printf("signed in as %s\n", u.FirstName)
	return nil
}

func dashboard(ctx context.Context, app *chatcampus.App, args []string) error {
	flags := flag.NewFlagSet("dashboard", flag.ExitOnError)
	q := flags.String("q", "", "filter rooms by topic, name or description")
	flags.Parse(args)

	d, err := app.API().Dashboard(ctx, *q)
	if err != nil {
		return err
	}
	fmt.Printf("topics (%d)\n", d.TopicsCount)
	for _, t := range d.Topics {
		fmt.Printf("  %-20s %d\n", t.TopicName, t.RoomCount)
	}
	fmt.Println("\nrooms")
	for _, r := range d.Rooms {
		fmt.Printf("  [%d] %s (%s) by %s, %d participants\n",
			r.ID, r.RoomName, r.TopicDetails.TopicName, r.Owner.FirstName, r.ParticipantsCount)
	}
	fmt.Println("\nrecent activity")
	for _, m := range d.RoomMessages {
		fmt.Printf("  %s in %s: %s\n", m.Owner.FirstName, m.Room.RoomName, m.Body)
	}
	return nil
}

func topics(ctx context.Context, app *chatcampus.App, args []string) error {
	flags := flag.NewFlagSet("topics", flag.ExitOnError)
	q := flags.String("q", "", "filter topics by name")
	flags.Parse(args)

	ts, err := app.API().Topics(ctx, *q)
	if err != nil {
		return err
	}
	for _, t := range ts {
		fmt.Printf("%-20s %d\n", t.TopicName, t.RoomCount)
	}
	return nil
}

func room(ctx context.Context, app *chatcampus.App, args []string) error {
	flags := flag.NewFlagSet("room", flag.ExitOnError)
	metricsAddr := flags.String("metrics", "", "serve prometheus metrics on this address")
	flags.Parse(args)
	if flags.NArg() != 1 {
		return errors.New("usage: chatcampus room <id>")
	}
	id, err := strconv.Atoi(flags.Arg(0))
	if err != nil {
		return fmt.Errorf("invalid room id %q", flags.Arg(0))
	}

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.Logger().Error("metrics server", slog.String("error", err.Error()))
			}
		}()
		defer srv.Close()
	}

	v, err := app.OpenRoom(ctx, id)
	if err != nil {
		return err
	}
	defer v.Close()
	return chatcampus.RunRoom(ctx, v, os.Stdin, os.Stdout)
}

func runDevServer(ctx context.Context, config *chatcampus.Config, args []string) error {
	flags := flag.NewFlagSet("dev-server", flag.ExitOnError)
	seed := flags.Bool("seed", false, "create a demo account (demo@example.com / password) and room")
	flags.Parse(args)

	l := logger.New(os.Stdout, config.Log.Level)
	s, err := devserver.New(devserver.Config{
		Addr:           config.Dev.Addr,
		Secret:         string(config.Dev.Secret),
		AllowedOrigins: config.Dev.AllowedOrigins,
		CertFile:       config.Dev.TLSCert,
		KeyFile:        config.Dev.TLSKey,

		GoogleUserInfoURL: config.Dev.GoogleUserInfoURL,
	}, l)
	if err != nil {
		return err
	}

	if *seed {
		u, r, err := s.Seed(core.RegisterInput{
			Email: "demo@example.com", FirstName: "Demo", LastName: "User",
			Password: "password", Password2: "password",
		}, core.RoomInput{Topic: "General", RoomName: "lobby", RoomDescription: "Say hello"})
		if err != nil {
			return err
		}
		l.Info("seeded", slog.String("email", u.Email), slog.Int("room", r.ID))
	}
	return s.ListenAndServe(ctx)
}
