package testutil

import (
	"context"
	"os"

	"github.com/stretchr/testify/suite"
	"github.com/uptrace/bun"
)

// BaseSuite provides a migrated, isolated Postgres database for store
// integration tests. Embed it and read s.TestDB.DB.
//
// The suite skips itself unless RUN_DB_TESTS is set, so the default
// test run stays free of infrastructure requirements:
//
//	RUN_DB_TESTS=1 POSTGRES_HOST=localhost go test ./domain/state/...
//
// Tables are truncated between tests; the database itself is dropped
// when the suite finishes.
type BaseSuite struct {
	suite.Suite
	TestDB *TestDB
	Ctx    context.Context

	// dbSuffix is used to create unique database names
	dbSuffix string
}

// SetDBSuffix sets the database name suffix. Call this in your suite's
// SetupSuite before calling BaseSuite.SetupSuite.
func (s *BaseSuite) SetDBSuffix(suffix string) {
	s.dbSuffix = suffix
}

// SetupSuite creates the test database.
// If you override this, call s.BaseSuite.SetupSuite() first.
func (s *BaseSuite) SetupSuite() {
	if os.Getenv("RUN_DB_TESTS") == "" {
		s.T().Skip("set RUN_DB_TESTS=1 to run Postgres-backed tests")
	}

	s.Ctx = context.Background()

	suffix := s.dbSuffix
	if suffix == "" {
		suffix = "suite"
	}

	testDB, err := SetupTestDB(s.Ctx, suffix)
	s.Require().NoError(err, "Failed to setup test database")
	s.TestDB = testDB
}

// TearDownSuite drops the test database.
// If you override this, call s.BaseSuite.TearDownSuite() at the end.
func (s *BaseSuite) TearDownSuite() {
	if s.TestDB != nil {
		s.TestDB.Close()
	}
}

// TearDownTest truncates all tables so the next test starts clean.
func (s *BaseSuite) TearDownTest() {
	if s.TestDB != nil {
		s.Require().NoError(TruncateTables(s.Ctx, s.TestDB.DB))
	}
}

// DB returns the suite's database handle.
func (s *BaseSuite) DB() bun.IDB {
	return s.TestDB.DB
}
