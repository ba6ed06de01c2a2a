package tester

import (
	"github.com/ory/dockertest/v3"
	"github.com/sirupsen/logrus"
)

// SetupDocker starts the postgres and redis containers integration
// tests run against. The returned func purges them.
func SetupDocker() (func(), error) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		logrus.Fatalf("Could not construct pool: %s", err)
	}

	// uses pool to try to connect to Docker
	err = pool.Client.Ping()
	if err != nil {
		logrus.Fatalf("Could not connect to Docker: %s", err)
	}

	// run database
	db, err := pool.Run("postgres", "16", []string{
		"POSTGRES_USER=emrgen",
		"POSTGRES_PASSWORD=emrgen",
		"POSTGRES_DB=emrgen",
	})
	if err != nil {
		logrus.Fatalf("Could not start resource: %s", err)
	}

	// run redis for the board state cache
	redis, err := pool.Run("redis", "7", nil)
	if err != nil {
		logrus.Fatalf("Could not start resource: %s", err)
	}

	purge := func() {
		if err := pool.Purge(db); err != nil {
			logrus.Fatalf("Could not purge resource: %s", err)
		}

		if err := pool.Purge(redis); err != nil {
			logrus.Fatalf("Could not purge resource: %s", err)
		}
	}

	return purge, nil
}
