// Command radiusclient-demo drives a single outbound RADIUS trunk against
// one home server, for manual smoke-testing of the trunk packages. Flag and
// env-file handling follows cmd/atlas/main.go's shape.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-envparse"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/nradius/trunk/db/trunkdb"
	"github.com/nradius/trunk/pkg/codec"
	"github.com/nradius/trunk/pkg/diag"
	"github.com/nradius/trunk/pkg/liveness"
	"github.com/nradius/trunk/pkg/retry"
	"github.com/nradius/trunk/pkg/trunk"
	"github.com/nradius/trunk/pkg/trunkconn"
	"github.com/nradius/trunk/pkg/trunkconn/nbsocket"
	"github.com/nradius/trunk/pkg/trunkmetrics"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else if x, err := readEnv(pflag.Arg(0)); err == nil {
		e = x
	} else {
		fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
		os.Exit(1)
	}

	var c Config
	if err := c.UnmarshalEnv(e); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(c.LogLevel).With().Timestamp().Logger()
	if !c.LogStdoutPretty {
		log = zerolog.New(os.Stdout).Level(c.LogLevel).With().Timestamp().Logger()
	}

	var auditDB *trunkdb.DB
	if c.DBPath != "" {
		db, err := trunkdb.Open(c.DBPath)
		if err != nil {
			log.Fatal().Err(err).Msg("open audit db")
		}
		_, required, err := db.Version()
		if err != nil {
			log.Fatal().Err(err).Msg("check audit db version")
		}
		if err := db.MigrateUp(context.Background(), required); err != nil {
			log.Fatal().Err(err).Msg("migrate audit db")
		}
		auditDB = db
		defer db.Close()
	}
	_ = auditDB

	nc, err := net.Dial(c.Proto, c.ServerAddr.String())
	if err != nil {
		log.Fatal().Err(err).Msg("dial home server")
	}
	sock, err := nbsocket.New(nc)
	if err != nil {
		log.Fatal().Err(err).Msg("wrap socket")
	}

	bridge := codec.NewBridge(c.MaxPacketSize)
	metrics := trunkmetrics.New(c.ServerAddr.String())

	conn := trunkconn.New(sock, []byte(c.Secret), bridge, trunkconn.Limits{
		MaxPacketSize: c.MaxPacketSize,
	}, log)

	var sup *liveness.Supervisor
	if c.StatusCheckCode != 0 {
		sup = liveness.New(liveness.Config{
			Code: byte(c.StatusCheckCode),
			Retry: retry.Config{
				IRT: c.StatusCheckInterval,
				MRT: c.StatusCheckInterval * 4,
				MRC: 0,
				MRD: 0,
			},
			NumAnswersToAlive: c.NumAnswersToAlive,
		}, log)
	}

	tr := trunk.New(bridge, metrics, log)
	tr.AddConn(conn, sup)

	if c.DiagAddr != "" {
		cache := diag.NewCache(staticSnapshotSource{}, time.Second)
		mux := http.NewServeMux()
		mux.Handle("/status", cache)
		go func() {
			if err := http.ListenAndServe(c.DiagAddr, mux); err != nil {
				log.Warn().Err(err).Msg("diag server stopped")
			}
		}()
	}

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.WritePrometheus(w)
		})
		go func() {
			if err := http.ListenAndServe(c.MetricsAddr, mux); err != nil {
				log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	future, err := tr.Enqueue(ctx, codec.CodeAccessRequest, nil, trunk.Options{
		RequireMessageAuthenticator: true,
	})
	if err != nil {
		log.Error().Err(err).Msg("enqueue demo request")
	} else {
		go func() {
			outcome, err := future.Wait(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("wait for demo request")
				return
			}
			log.Info().Int("result", int(outcome.Result)).Msg("demo request resolved")
		}()
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown")
	}
}

// staticSnapshotSource is a placeholder diag.Source; a real deployment
// would close over the running *trunk.Trunk's connection list instead.
type staticSnapshotSource struct{}

func (staticSnapshotSource) Snapshot() diag.Snapshot {
	return diag.Snapshot{GeneratedAt: time.Now()}
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
