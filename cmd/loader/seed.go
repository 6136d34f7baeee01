package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// seedFile is the YAML layout consumed at startup. Passwords and SQL may be
// given in plaintext; they are encrypted before persisting.
type seedFile struct {
	SourceDatabases []seedSource `yaml:"sourceDatabases"`
	Loaders         []seedLoader `yaml:"loaders"`
}

type seedSource struct {
	DBCode   string `yaml:"dbCode"`
	DBType   string `yaml:"dbType"`
	IP       string `yaml:"ip"`
	Port     int    `yaml:"port"`
	DBName   string `yaml:"dbName"`
	UserName string `yaml:"userName"`
	Password string `yaml:"password"`
}

type seedLoader struct {
	LoaderCode                string `yaml:"loaderCode"`
	LoaderSQL                 string `yaml:"loaderSql"`
	SourceDatabaseCode        string `yaml:"sourceDatabaseCode"`
	MinIntervalSeconds        int    `yaml:"minIntervalSeconds"`
	MaxIntervalSeconds        int    `yaml:"maxIntervalSeconds"`
	MaxQueryPeriodSeconds     int    `yaml:"maxQueryPeriodSeconds"`
	MaxParallelExecutions     int    `yaml:"maxParallelExecutions"`
	SourceTimezoneOffsetHours int    `yaml:"sourceTimezoneOffsetHours"`
	AggregationPeriodSeconds  *int   `yaml:"aggregationPeriodSeconds"`
	PurgeStrategy             string `yaml:"purgeStrategy"`
}

// seedFromFile persists the seed entries, skipping ones that already exist.
// Seeded loaders start enabled and approved; they are operator-provided.
func seedFromFile(ctx domain.Context, path string, cipher domain.Cipher, sources domain.SourceDatabaseRepository, loaders domain.LoaderRepository) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("op=seed.read: %w", err)
	}
	var sf seedFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return fmt.Errorf("op=seed.parse: %w", err)
	}

	for _, s := range sf.SourceDatabases {
		if _, err := sources.GetByCode(ctx, s.DBCode); err == nil {
			continue
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		pw := s.Password
		if !cipher.IsEncrypted(pw) {
			if pw, err = cipher.Encrypt(pw); err != nil {
				return err
			}
		}
		if _, err := sources.Create(ctx, domain.SourceDatabase{
			DBCode:   s.DBCode,
			DBType:   domain.DBType(s.DBType),
			IP:       s.IP,
			Port:     s.Port,
			DBName:   s.DBName,
			UserName: s.UserName,
			Password: pw,
		}); err != nil {
			return err
		}
		slog.Info("seeded source database", slog.String("db_code", s.DBCode))
	}

	for _, l := range sf.Loaders {
		if _, err := loaders.GetByCode(ctx, l.LoaderCode); err == nil {
			continue
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		src, err := sources.GetByCode(ctx, l.SourceDatabaseCode)
		if err != nil {
			return fmt.Errorf("op=seed.loader %s: %w", l.LoaderCode, err)
		}
		sqlText := l.LoaderSQL
		if !cipher.IsEncrypted(sqlText) {
			if sqlText, err = cipher.Encrypt(sqlText); err != nil {
				return err
			}
		}
		if _, err := loaders.Create(ctx, domain.Loader{
			LoaderCode:                l.LoaderCode,
			LoaderSQL:                 sqlText,
			SourceDatabaseID:          src.ID,
			LoadStatus:                domain.LoadIdle,
			Enabled:                   true,
			ApprovalStatus:            domain.ApprovalApproved,
			MinIntervalSeconds:        l.MinIntervalSeconds,
			MaxIntervalSeconds:        l.MaxIntervalSeconds,
			MaxQueryPeriodSeconds:     l.MaxQueryPeriodSeconds,
			MaxParallelExecutions:     l.MaxParallelExecutions,
			SourceTimezoneOffsetHours: l.SourceTimezoneOffsetHours,
			AggregationPeriodSeconds:  l.AggregationPeriodSeconds,
			PurgeStrategy:             domain.PurgeStrategy(l.PurgeStrategy),
			CreatedBy:                 "seed",
			UpdatedBy:                 "seed",
		}); err != nil {
			return err
		}
		slog.Info("seeded loader", slog.String("loader", l.LoaderCode))
	}
	return nil
}
