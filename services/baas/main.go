package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/baas/core"
	"github.com/relabs-tech/baas/core/baas"
	"github.com/relabs-tech/baas/core/csql"
	"github.com/relabs-tech/baas/core/descriptor"
	"github.com/relabs-tech/baas/core/logger"
	"github.com/relabs-tech/baas/core/metrics"
	"github.com/relabs-tech/baas/core/notify"
	"github.com/relabs-tech/baas/core/registry"
	"github.com/relabs-tech/baas/core/resolver"
	"github.com/relabs-tech/baas/core/source"
	"github.com/relabs-tech/baas/core/store"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Service struct {
	Postgres         string        `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string        `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	PostgresSchema   string        `env:"POSTGRES_SCHEMA,default=public" description:"the database schema of the application tables"`
	ConfigSource     string        `env:"BAAS_CONFIG_SOURCE,default=file" description:"where module descriptors are read from: file, s3 or db"`
	ConfigRoot       string        `env:"BAAS_CONFIG_ROOT,default=./modules" description:"directory holding <module>/plugin.json for the file source"`
	S3Bucket         string        `env:"BAAS_S3_BUCKET,optional" description:"bucket of the s3 source"`
	S3Region         string        `env:"BAAS_S3_REGION,default=eu-central-1" description:"region of the s3 source"`
	S3Prefix         string        `env:"BAAS_S3_PREFIX,optional" description:"key prefix of the s3 source"`
	S3Endpoint       string        `env:"BAAS_S3_ENDPOINT,optional" description:"endpoint override for S3 compatible stores"`
	AWSAccessID      string        `env:"AWS_ACCESS_KEY_ID,optional" description:"AWS access key id"`
	AWSAccessKey     string        `env:"AWS_SECRET_ACCESS_KEY,optional" description:"AWS secret access key"`
	Tables           string        `env:"BAAS_TABLES,optional" description:"path to the tables document declaring keys, soft delete and relations"`
	KafkaBrokers     string        `env:"KAFKA_BROKERS,optional" description:"comma separated Kafka brokers, notifications are disabled if empty"`
	KafkaTopic       string        `env:"KAFKA_TOPIC,default=baas_notification" description:"topic of mutation notifications"`
	CheckInterval    time.Duration `env:"BAAS_CHECK_INTERVAL,default=0s" description:"minimum time between modification checks of a module descriptor"`
	Watch            bool          `env:"BAAS_WATCH,default=true" description:"invalidate descriptors on file changes, file source only"`
	CORS             bool          `env:"BAAS_CORS,default=false" description:"allow cross origin requests"`
	LogLevel         string        `env:"LOG_LEVEL,default=info" description:"the log level"`
	Port             int           `env:"PORT,default=3000" description:"the port to listen on"`
}

// Version is the version of the current build, set with -ldflags "-X main.Version=..."
var Version = "unset"

// functions are the field functions available to descriptors as {"func": name}
var functions = descriptor.Functions{
	"requestID": func(ctx context.Context, _ *descriptor.RequestContext) (interface{}, error) {
		return logger.RequestIDFromContext(ctx), nil
	},
	"now": func(context.Context, *descriptor.RequestContext) (interface{}, error) {
		return time.Now().UTC().Format(time.RFC3339), nil
	},
	"subject": func(ctx context.Context, rc *descriptor.RequestContext) (interface{}, error) {
		for _, claims := range rc.Credentials {
			if sub, ok := claims["sub"]; ok {
				return sub, nil
			}
		}
		return nil, fmt.Errorf("no credential carries a subject")
	},
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(level)
	rlog := logger.Default()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.PostgresSchema)
	defer db.Close()

	tables := store.Tables{}
	if service.Tables != "" {
		data, err := os.ReadFile(service.Tables)
		if err != nil {
			panic(err)
		}
		if tables, err = store.ParseTables(data); err != nil {
			panic(err)
		}
	}

	collector := metrics.New(prometheus.DefaultRegisterer)
	src, local := mustSource(service, db)
	cache := resolver.New(&resolver.Builder{
		Source:        src,
		Functions:     functions,
		CheckInterval: service.CheckInterval,
		Observer:      collector,
	})
	if local != nil && service.Watch {
		if err := cache.WatchLocal(ctx, local); err != nil {
			rlog.WithError(err).Errorln("cannot watch", service.ConfigRoot)
		}
	}

	var notifier core.Notifier
	if service.KafkaBrokers != "" {
		kafka := notify.NewKafka(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer kafka.Close()
		notifier = kafka
	}

	router := mux.NewRouter()
	logger.AddRequestID(router)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		data, _ := json.Marshal(map[string]string{"version": Version})
		w.Write(data)
	}).Methods(http.MethodGet)
	baas.New(&baas.Builder{
		Router:   router,
		Resolver: cache,
		Store:    store.NewPostgres(db, tables),
		Notifier: notifier,
		Metrics:  collector,
		CORS:     service.CORS,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", service.Port),
		Handler: router,
	}
	go func() {
		<-ctx.Done()
		shutdown, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		srv.Shutdown(shutdown)
	}()

	rlog.Infoln("listen on port", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		rlog.WithError(err).Errorln("server failed")
	}
}

// mustSource returns the configured descriptor source. The local filesystem is
// returned a second time for the file source so that it can be watched.
func mustSource(service *Service, db *csql.DB) (source.Source, *source.LocalFilesystem) {
	switch source.DriverType(service.ConfigSource) {
	case source.DriverTypeLocal:
		local := source.NewLocalFilesystem(service.ConfigRoot)
		return local, local
	case source.DriverTypeAWSS3:
		s3, err := source.NewS3(source.S3Configuration{
			AWSBucketName: service.S3Bucket,
			AWSRegion:     service.S3Region,
			AccessID:      service.AWSAccessID,
			AccessKey:     service.AWSAccessKey,
			KeyPrefix:     service.S3Prefix,
			Endpoint:      service.S3Endpoint,
		})
		if err != nil {
			panic(err)
		}
		return s3, nil
	case source.DriverTypeRegistry:
		return source.NewRegistry(registry.New(db)), nil
	}
	panic(fmt.Sprintf("unknown BAAS_CONFIG_SOURCE %q", service.ConfigSource))
}
