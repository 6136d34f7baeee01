package sourcedb

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

func sampleSource(dbType domain.DBType) domain.SourceDatabase {
	return domain.SourceDatabase{
		DBCode:   "BILLING",
		DBType:   dbType,
		IP:       "10.1.2.3",
		Port:     5432,
		DBName:   "billing",
		UserName: "reader",
	}
}

func TestBuildDSN_Postgres(t *testing.T) {
	t.Parallel()
	driver, dsn, err := buildDSN(sampleSource(domain.DBPostgres), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "pgx", driver)
	assert.True(t, strings.HasPrefix(dsn, "postgres://"))
	assert.Contains(t, dsn, "10.1.2.3:5432")
	assert.Contains(t, dsn, "reader")
}

func TestBuildDSN_MySQL(t *testing.T) {
	t.Parallel()
	src := sampleSource(domain.DBMySQL)
	src.Port = 3306
	driver, dsn, err := buildDSN(src, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "mysql", driver)
	assert.Equal(t, "reader:s3cret@tcp(10.1.2.3:3306)/billing?parseTime=true", dsn)
}

func TestBuildDSN_Oracle(t *testing.T) {
	t.Parallel()
	src := sampleSource(domain.DBOracle)
	src.Port = 1521
	driver, dsn, err := buildDSN(src, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "oracle", driver)
	assert.Contains(t, dsn, "oracle://")
}

func TestBuildDSN_UnsupportedType(t *testing.T) {
	t.Parallel()
	_, _, err := buildDSN(sampleSource("SQLITE"), "")
	require.Error(t, err)
}

func TestChecksum_ChangesWithCredentials(t *testing.T) {
	t.Parallel()
	a := sampleSource(domain.DBPostgres)
	b := a
	assert.Equal(t, checksum(a), checksum(b))

	b.Password = "rotated-ciphertext"
	assert.NotEqual(t, checksum(a), checksum(b))

	c := a
	c.IP = "10.9.9.9"
	assert.NotEqual(t, checksum(a), checksum(c))
}

func TestClassifyQueryErr(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := classifyQueryErr(ctx, context.DeadlineExceeded)
	var ee *domain.ExecError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, domain.KindQueryTimeout, ee.Kind)

	err = classifyQueryErr(ctx, errors.New("ORA-00942: table or view does not exist"))
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, domain.KindQueryError, ee.Kind)
}

func TestToLowerASCII(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "load_time_stamp", toLower("LOAD_TIME_STAMP"))
	assert.Equal(t, "segment_1", toLower("Segment_1"))
}
