// Command harvest is the operator tool for OAI-PMH harvesting.
//
//	PING a source:          harvest -command ping -a source [-i set] [-m format]
//	SET UP a collection:    harvest -command config -c collection -t type -a source [-i set] [-m format]
//	RUN one cycle:          harvest -command run -c collection [-f] [-rv] [-iv] [-w]
//	START the scheduler:    harvest -command start
//	RESET all statuses:     harvest -command reset
//	PURGE a collection:     harvest -command purge -c collection
//	PURGE all collections:  harvest -command purgeAll
//	REIMPORT a collection:  harvest -command reimport -c collection
//	ISSUE an admin token:   harvest -command token -sub name [-role ADMIN] [-ttl 1h]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"oaiharvest/internal/app"
	"oaiharvest/internal/auth"
	"oaiharvest/internal/config"
	"oaiharvest/internal/harvest"
	"oaiharvest/internal/platform/logging"
)

type options struct {
	command          string
	collection       string
	harvestType      int
	source           string
	set              string
	metadata         string
	force            bool
	recordValidation bool
	itemValidation   bool
	workflow         bool
	configPath       string

	subject string
	role    string
	ttl     time.Duration
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("harvest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.command, "command", "", "config, run, start, reset, purge, purgeAll, reimport, ping or token")
	fs.StringVar(&o.collection, "c", "", "collection handle or id")
	fs.IntVar(&o.harvestType, "t", 0, "harvest type: 0 disabled, 1 metadata, 2 metadata and references, 3 metadata and bitstreams")
	fs.StringVar(&o.source, "a", "", "OAI-PMH base URL")
	fs.StringVar(&o.set, "i", "", "OAI set spec")
	fs.StringVar(&o.metadata, "m", "", "metadata format id (dc, qdc, dim)")
	fs.BoolVar(&o.force, "f", false, "ignore the last harvest date")
	fs.BoolVar(&o.recordValidation, "rv", false, "validate records before applying them")
	fs.BoolVar(&o.itemValidation, "iv", false, "validate items against the collection's required fields")
	fs.BoolVar(&o.workflow, "w", false, "store new items as drafts instead of archiving them")
	fs.StringVar(&o.configPath, "config", "", "path to config file (default $HARVEST_CONFIG)")
	fs.StringVar(&o.subject, "sub", "", "token subject")
	fs.StringVar(&o.role, "role", auth.RoleAdmin, "token role")
	fs.DurationVar(&o.ttl, "ttl", 0, "token lifetime (default JWT_TTL)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.command == "" {
		return o, errors.New("no command given (run with -h for details)")
	}
	return o, nil
}

func main() {
	o, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if o.command == "token" {
		if err := issueToken(os.Stdout, cfg, o); err != nil {
			logger.Fatal("token not issued", zap.Error(err))
		}
		return
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}
	err = execute(ctx, a, o, os.Stdout)
	a.Close(context.Background())
	if err != nil {
		logger.Error("command failed", zap.String("command", o.command), zap.Error(err))
		os.Exit(1)
	}
}

func execute(ctx context.Context, a *app.App, o options, out io.Writer) error {
	switch o.command {
	case "ping":
		if o.source == "" {
			return errors.New("ping needs -a source")
		}
		report := a.Admin.Ping(ctx, o.source, o.set, o.metadata)
		printReport(out, report)
		// missing ORE support only limits the harvest types; it is a warning
		if len(report.Basic) > 0 {
			return errors.New("source failed verification")
		}
		return nil

	case "config":
		hc, err := a.Admin.Configure(ctx, harvest.ConfigureRequest{
			Collection:       o.collection,
			HarvestType:      harvest.HarvestType(o.harvestType),
			OAISource:        o.source,
			OAISetID:         o.set,
			MetadataConfigID: o.metadata,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Harvest settings for %s: type %s, source %s, set %q, metadata %s\n",
			hc.CollectionID, hc.HarvestType, hc.OAISource, hc.Set(), hc.MetadataConfigID)
		return nil

	case "run":
		if o.collection == "" {
			return errors.New("run needs -c collection")
		}
		sum, err := a.Admin.Run(ctx, o.collection, cycleOptions(a, o))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, sum.String())
		return nil

	case "reimport":
		if o.collection == "" {
			return errors.New("reimport needs -c collection")
		}
		sum, err := a.Admin.Reimport(ctx, o.collection, cycleOptions(a, o))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, sum.String())
		return nil

	case "purge":
		if o.collection == "" {
			return errors.New("purge needs -c collection")
		}
		n, err := a.Admin.Purge(ctx, o.collection)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Purged %d items\n", n)
		return nil

	case "purgeAll":
		n, err := a.Admin.PurgeAll(ctx)
		fmt.Fprintf(out, "Purged %d items\n", n)
		return err

	case "reset":
		n, err := a.Admin.Reset(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Reset %d collections to READY\n", n)
		return nil

	case "start":
		fmt.Fprintln(out, "Harvest scheduler running, interrupt to stop")
		return a.Scheduler.Run(ctx)
	}
	return fmt.Errorf("unknown command %q", o.command)
}

func cycleOptions(a *app.App, o options) harvest.Options {
	opts := a.DefaultOptions()
	opts.ForceSynch = o.force
	opts.RecordValidation = opts.RecordValidation || o.recordValidation
	opts.ItemValidation = opts.ItemValidation || o.itemValidation
	if o.workflow {
		opts.SubmitEnabled = false
	}
	return opts
}

func printReport(out io.Writer, r harvest.PingReport) {
	if len(r.Basic) == 0 {
		fmt.Fprintln(out, "OAI server OK")
	}
	for _, msg := range r.Basic {
		fmt.Fprintln(out, "ERROR:", msg)
	}
	if len(r.Extended) == 0 {
		fmt.Fprintln(out, "ORE resource maps OK")
	}
	for _, msg := range r.Extended {
		fmt.Fprintln(out, "WARNING:", msg)
	}
}

func issueToken(out io.Writer, cfg *config.Config, o options) error {
	if err := cfg.RequireJWT(); err != nil {
		return err
	}
	if strings.TrimSpace(o.subject) == "" {
		return errors.New("token needs -sub")
	}
	ttl := o.ttl
	if ttl <= 0 {
		ttl = cfg.JWT.TTL
	}
	token, _, err := auth.GenerateToken(cfg.JWT.Secret, o.subject, o.role, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}
