// Package test holds integration tests of the baas pipeline against real
// Postgres and Kafka containers. They only run with BAAS_INTEGRATION=1.
package test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/baas/core/baas"
	"github.com/relabs-tech/baas/core/client"
	"github.com/relabs-tech/baas/core/csql"
	"github.com/relabs-tech/baas/core/notify"
	"github.com/relabs-tech/baas/core/registry"
	"github.com/relabs-tech/baas/core/resolver"
	"github.com/relabs-tech/baas/core/source"
	"github.com/relabs-tech/baas/core/store"
)

const (
	schema            = "baas_integration"
	notificationTopic = "baas_notification"
)

const tablesJSON = `{
  "tables": [
    {
      "name": "orders",
      "softDelete": true,
      "relations": [{"name": "items", "table": "items", "kind": "has_many", "foreignKey": "order_id"}]
    },
    {"name": "items"}
  ]
}`

const tablesDDL = `
CREATE TABLE %[1]s.orders (
  id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
  tenant text NOT NULL,
  status text,
  total integer,
  deleted_at timestamptz
);
CREATE TABLE %[1]s.items (
  id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
  order_id uuid NOT NULL REFERENCES %[1]s.orders(id),
  qty integer NOT NULL,
  meta jsonb
);`

// IntegrationTestSuite starts Postgres and Kafka, publishes descriptors into the
// database registry and serves the pipeline over store.Postgres
type IntegrationTestSuite struct {
	suite.Suite

	network           testcontainers.Network
	postgresContainer testcontainers.Container
	zookeeper         testcontainers.Container
	kafkaContainer    testcontainers.Container
	kafkaConn         *kafka.Conn
	kafkaAddr         string

	db       *csql.DB
	router   *mux.Router
	registry *source.Registry
	cache    *resolver.Cache
	notifier *notify.Kafka
	backend  *baas.Backend
	client   client.Client
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	networkName := "baas-network_" + fmt.Sprintf("%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	postgresUser, postgresPassword, postgresDB := "testuser", "testpass", "testdb"
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     postgresUser,
				"POSTGRES_PASSWORD": postgresPassword,
				"POSTGRES_DB":       postgresDB,
			},
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"postgres"}},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	zooC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-zookeeper:7.5.0",
			ExposedPorts: []string{"2181/tcp"},
			Env: map[string]string{
				"ZOOKEEPER_CLIENT_PORT": "2181",
				"ZOOKEEPER_TICK_TIME":   "2000",
			},
			WaitingFor:     wait.ForListeningPort("2181/tcp"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.zookeeper = zooC

	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-kafka:7.5.0",
			ExposedPorts: []string{"9092:9092/tcp"},
			Env: map[string]string{
				"KAFKA_BROKER_ID":                        "1",
				"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
				"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,EXTERNAL://0.0.0.0:9093",
				"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,EXTERNAL://kafka:9093",
				"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,EXTERNAL:PLAINTEXT",
				"KAFKA_INTER_BROKER_LISTENER_NAME":       "EXTERNAL",
				"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
			},
			WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"kafka"}},
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC

	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())
	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)
	s.Require().NoError(s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             notificationTopic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))

	s.db = csql.OpenWithSchema(fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresDB), postgresPassword, schema)
	_, err = s.db.Exec(fmt.Sprintf(tablesDDL, schema))
	s.Require().NoError(err)

	tables, err := store.ParseTables([]byte(tablesJSON))
	s.Require().NoError(err)

	s.registry = source.NewRegistry(registry.New(s.db))
	s.cache = resolver.New(&resolver.Builder{Source: s.registry})
	s.notifier = notify.NewKafka([]string{s.kafkaAddr}, notificationTopic)
	s.router = mux.NewRouter()
	s.backend = baas.New(&baas.Builder{
		Router:   s.router,
		Resolver: s.cache,
		Store:    store.NewPostgres(s.db, tables),
		Notifier: s.notifier,
	})
	s.client = client.NewWithRouter(s.router)
}

// skipUnlessIntegration skips container based tests unless BAAS_INTEGRATION=1
func skipUnlessIntegration(t *testing.T) {
	if os.Getenv("BAAS_INTEGRATION") != "1" {
		t.Skip("set BAAS_INTEGRATION=1 to run the container based tests")
	}
}

// publish writes a module descriptor into the database registry
func (s *IntegrationTestSuite) publish(module, descriptor string) {
	s.Require().NoError(s.registry.Publish(context.Background(), module, []byte(descriptor)))
}

// truncate empties the application tables between tests
func (s *IntegrationTestSuite) truncate() {
	_, err := s.db.Exec(`TRUNCATE ` + s.db.Table("items") + `, ` + s.db.Table("orders") + `;`)
	s.Require().NoError(err)
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.notifier != nil {
		s.notifier.Close()
	}
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	if s.db != nil {
		s.db.ClearSchema()
		s.db.Close()
	}
	for _, c := range []testcontainers.Container{s.kafkaContainer, s.zookeeper, s.postgresContainer} {
		if c != nil {
			s.NoError(c.Terminate(ctx))
		}
	}
	if s.network != nil {
		s.NoError(s.network.Remove(ctx))
	}
}
