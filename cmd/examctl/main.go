package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"examprep-server/apiclient"
	"examprep-server/auth"
	"examprep-server/ingestion"
	"examprep-server/locale"
	"examprep-server/logger"
	"examprep-server/models"
	"examprep-server/session"
	"examprep-server/store"
	"examprep-server/utils"
)

const usage = `Usage: examctl [global flags] <command> [flags]

Commands:
  login     -phone <phone> [-password <password>]
  register  -phone <phone> -name <name> [-password <password>]
  logout
  whoami
  lang      kz|ru
  sections
  quiz      demo|exam|trainer [-section <tag>] [-duration 60m]
  history
  details   <exam id>
  import    -file <bank.yaml|bank.csv> [-dry-run] [-replace]

Global flags:
`

// app holds what every command needs.
type app struct {
	client   *apiclient.Client
	provider *auth.Provider
	locale   *locale.Resolver
	stateDir string
	log      *logrus.Entry
}

func main() {
	server := flag.String("server", envOr("EXAMPREP_SERVER", "http://localhost:8080"), "Gateway URL; requests go through its /api/proxy route")
	stateDir := flag.String("state", defaultStateDir(), "Directory for credentials, locale and saved sessions")
	redisAddr := flag.String("redis", "", "Keep credentials in redis at this address instead of the state directory")
	profile := flag.String("profile", "default", "Credential profile name (redis only)")
	verbose := flag.Bool("verbose", false, "Enable verbose output")
	timeout := flag.Duration("timeout", 15*time.Second, "Request timeout")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	log := logger.Discard()
	if *verbose {
		log = logger.New("examctl", "debug")
	}
	if err := os.MkdirAll(*stateDir, 0o700); err != nil {
		fatal("cannot create state directory: %v", err)
	}

	var creds auth.CredentialStore = auth.NewFileStore(filepath.Join(*stateDir, "credentials.json"))
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer rdb.Close()
		creds = auth.NewRedisStore(rdb, *profile, 0)
	}

	client := apiclient.New(apiclient.Options{
		BaseURL: strings.TrimRight(*server, "/") + "/api/proxy",
		Timeout: *timeout,
	})
	a := &app{
		client:   client,
		provider: auth.NewProvider(client, creds, log),
		locale:   locale.NewResolver(locale.Default, client, locale.NewFilePreferences(filepath.Join(*stateDir, "locale")), log),
		stateDir: *stateDir,
		log:      log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := a.locale.Restore(ctx); err != nil {
		log.WithError(err).Warn("locale preference ignored")
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd != "login" && cmd != "register" && cmd != "lang" {
		if err := a.provider.Restore(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v; please log in again\n", err)
		}
	}

	var err error
	switch cmd {
	case "login":
		err = a.login(ctx, args)
	case "register":
		err = a.register(ctx, args)
	case "logout":
		err = a.provider.Logout(ctx)
	case "whoami":
		err = a.whoami()
	case "lang":
		err = a.setLang(ctx, args)
	case "sections":
		err = a.sections(ctx)
	case "quiz":
		err = a.quiz(ctx, args)
	case "history":
		err = a.history(ctx)
	case "details":
		err = a.details(ctx, args)
	case "import":
		err = a.importBank(ctx, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatal("%v", err)
	}
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	phone := fs.String("phone", "", "Phone number")
	password := fs.String("password", "", "Password (prompted when empty)")
	_ = fs.Parse(args)
	if *phone == "" {
		return errors.New("-phone is required")
	}
	if *password == "" {
		*password = prompt("Password: ")
	}
	user, err := a.provider.Login(ctx, *phone, *password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	fmt.Printf("Logged in as %s (%s)\n", user.Name, user.Phone)
	return nil
}

func (a *app) register(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	phone := fs.String("phone", "", "Phone number")
	name := fs.String("name", "", "Display name")
	password := fs.String("password", "", "Password (prompted when empty)")
	_ = fs.Parse(args)
	if *phone == "" || *name == "" {
		return errors.New("-phone and -name are required")
	}
	if *password == "" {
		*password = prompt("Password: ")
	}
	user, err := a.provider.Register(ctx, *phone, *password, *name)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	fmt.Printf("Registered and logged in as %s\n", user.Name)
	return nil
}

func (a *app) whoami() error {
	user := a.provider.User()
	if user == nil {
		return auth.ErrNotLoggedIn
	}
	role := "user"
	if user.IsAdmin {
		role = "admin"
	}
	fmt.Printf("%s (%s), %s, locale %s\n", user.Name, user.Phone, role, a.locale.Locale())
	return nil
}

func (a *app) setLang(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: examctl lang kz|ru")
	}
	if err := a.locale.SetLocale(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Locale set to %s\n", a.locale.Locale())
	return nil
}

func (a *app) sections(ctx context.Context) error {
	loc := a.locale.Locale()
	sections, err := a.client.LegislationSections(ctx, loc)
	if err != nil {
		a.log.WithError(err).Warn("falling back to built-in section list")
		for id, name := range models.SectionNames {
			sections = append(sections, models.LegislationSection{ID: id, Name: name.In(loc)})
		}
	}
	for _, s := range sections {
		fmt.Printf("%-32s %s\n", s.ID, s.Name)
	}
	return nil
}

func (a *app) quiz(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: examctl quiz demo|exam|trainer [-section <tag>]")
	}
	mode, err := models.ParseMode(args[0])
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("quiz", flag.ExitOnError)
	section := fs.String("section", "", "Trainer section tag (see examctl sections)")
	duration := fs.Duration("duration", session.DefaultExamDuration, "Exam time limit")
	_ = fs.Parse(args[1:])

	cfg, err := session.ConfigFor(mode, session.Options{Section: *section, ExamDuration: *duration, AutoTick: true})
	if err != nil {
		return err
	}
	snapshots, err := store.NewFile(filepath.Join(a.stateDir, "sessions"), 0)
	if err != nil {
		return err
	}
	if err := a.locale.Load(ctx); err != nil {
		a.log.WithError(err).Debug("translations unavailable")
	}
	var authState session.AuthState = a.provider
	if mode == models.ModeDemo {
		authState = session.Anonymous{}
	}
	m := session.New("local", cfg, session.Deps{
		Questions: a.client,
		Submitter: a.client,
		Store:     snapshots,
		Auth:      authState,
		Locale:    a.locale,
		Log:       a.log,
	})
	defer m.Close()
	return runQuiz(ctx, m, a.locale, os.Stdin, os.Stdout)
}

func (a *app) history(ctx context.Context) error {
	token := a.provider.Token()
	if token == "" {
		return auth.ErrNotLoggedIn
	}
	res, err := a.client.ExamHistory(ctx, token)
	if err != nil {
		return err
	}
	if len(res.Exams) == 0 {
		fmt.Println("No recorded attempts.")
		return nil
	}
	for _, e := range res.Exams {
		verdict := ""
		if e.Mode == models.ModeExam {
			verdict = "failed"
			if e.Passed {
				verdict = "passed"
			}
		}
		fmt.Printf("%-10s %-8s %3.0f%%  %d/%d  %s  %s\n", e.ID, e.Mode, e.Score, e.CorrectAnswers, e.TotalQuestions, verdict, e.CreatedAt.Format("2006-01-02 15:04"))
	}
	for section, st := range res.OverallStatistics {
		fmt.Printf("  %s: %d/%d (%d%%)\n", models.SectionDisplayName(section, a.locale.Locale()), st.Correct, st.Total, utils.Percent(st.Correct, st.Total))
	}
	return nil
}

func (a *app) details(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: examctl details <exam id>")
	}
	token := a.provider.Token()
	if token == "" {
		return auth.ErrNotLoggedIn
	}
	res, err := a.client.ExamDetails(ctx, token, args[0], a.locale.Locale())
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d/%d (%.0f%%)\n", res.Exam.Mode, res.Exam.CorrectAnswers, res.Exam.TotalQuestions, res.Exam.Score)
	for i, q := range res.Questions {
		mark := "x"
		if q.IsCorrect {
			mark = "ok"
		}
		fmt.Printf("%2d. [%s] %s\n    answer %s, correct %s\n", i+1, mark, q.Question.Question, utils.OptionLetter(q.UserAnswer), utils.OptionLetter(q.Correct))
	}
	return nil
}

func (a *app) importBank(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	file := fs.String("file", "", "Question bank (.yaml, .yml or .csv)")
	dryRun := fs.Bool("dry-run", false, "Validate only")
	replace := fs.Bool("replace", false, "Delete existing questions of the imported sections first")
	_ = fs.Parse(args)
	if *file == "" {
		return errors.New("-file is required")
	}
	questions, err := ingestion.LoadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Rejected entries:\n%v\n", err)
		if len(questions) == 0 {
			return errors.New("no valid questions to import")
		}
	}
	if !*dryRun && a.provider.Token() == "" {
		return auth.ErrNotLoggedIn
	}
	report, err := ingestion.NewImporter(a.client, a.log).Import(ctx, a.provider.Token(), questions, ingestion.Options{DryRun: *dryRun, ReplaceSections: *replace})
	fmt.Printf("created %d, deleted %d, skipped %d\n", report.Created, report.Deleted, report.Skipped)
	return err
}

func prompt(label string) string {
	fmt.Print(label)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	return strings.TrimSpace(line)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "examprep")
	}
	return ".examprep"
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
