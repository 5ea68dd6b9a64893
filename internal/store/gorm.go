package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/faultlinehq/faultline/internal/models"
	"github.com/faultlinehq/faultline/internal/utils"
)

// GormStore is the durable Store implementation backed by gorm. Per-cluster
// serialization is provided by row-level locking inside a transaction
// (SELECT ... FOR UPDATE on postgres; sqlite serializes writers itself).
type GormStore struct {
	db *gorm.DB
}

// OpenGorm opens a gorm store for the given driver ("sqlite" or "postgres")
// and DSN, migrating the schema.
func OpenGorm(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if err := db.AutoMigrate(&entryRecord{}, &clusterRecord{}, &signatureRecord{}, &patternRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

// NewGormStore wraps an existing gorm handle (used by tests with sqlmock).
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

type entryRecord struct {
	ID              string    `gorm:"primaryKey;type:varchar(64)"`
	Timestamp       time.Time `gorm:"index"`
	Message         string    `gorm:"type:text"`
	StackTrace      string    `gorm:"type:text"`
	ExceptionType   string    `gorm:"type:varchar(255)"`
	Source          string    `gorm:"type:varchar(64)"`
	ApplicationName string    `gorm:"type:varchar(255);index"`
	Repository      string    `gorm:"type:varchar(255)"`
	Team            string    `gorm:"type:varchar(255)"`
	StatusCode      int
	Endpoint        string `gorm:"type:varchar(512)"`
	Duration        float64
	UserAgent       string `gorm:"type:varchar(512)"`
	Host            string `gorm:"type:varchar(255)"`
	Context         string `gorm:"type:text"`
	ClusterID       string `gorm:"type:varchar(64);index"`
	Created         time.Time
}

func (entryRecord) TableName() string { return "error_entries" }

type clusterRecord struct {
	ID                  string `gorm:"primaryKey;type:varchar(64)"`
	PatternSignature    string `gorm:"type:text"`
	RepresentativeError string `gorm:"type:text"`
	ErrorIDs            string `gorm:"column:error_ids;type:text"`
	FirstSeen           time.Time
	LastSeen            time.Time `gorm:"index"`
	Severity            string    `gorm:"type:varchar(20)"`
	SuggestedRootCause  string    `gorm:"type:text"`
	AffectedUsers       string    `gorm:"type:text"`
	AffectedEndpoints   string    `gorm:"type:text"`
	ApplicationName     string    `gorm:"type:varchar(255);index"`
	Repository          string    `gorm:"type:varchar(255)"`
	Team                string    `gorm:"type:varchar(255)"`
	Created             time.Time
	Updated             time.Time
}

func (clusterRecord) TableName() string { return "error_clusters" }

type signatureRecord struct {
	ApplicationName string `gorm:"primaryKey;type:varchar(255)"`
	Signature       string `gorm:"primaryKey;type:varchar(1024)"`
	ClusterID       string `gorm:"type:varchar(64)"`
}

func (signatureRecord) TableName() string { return "signature_index" }

type patternRecord struct {
	ID                 string `gorm:"primaryKey;type:varchar(64)"`
	Name               string `gorm:"type:varchar(512)"`
	Description        string `gorm:"type:text"`
	ClusterIDs         string `gorm:"column:cluster_ids;type:text"`
	Type               string `gorm:"type:varchar(20)"`
	Confidence         float64
	PotentialRootCause string `gorm:"type:text"`
	RelatedPatterns    string `gorm:"type:text"`
	IdentifiedAt       time.Time
	Status             string `gorm:"type:varchar(32)"`
	AssignedTo         string `gorm:"type:varchar(255)"`
	ResolutionNotes    string `gorm:"type:text"`
	ResolvedAt         *time.Time
	ApplicationName    string `gorm:"type:varchar(255);index"`
	Repository         string `gorm:"type:varchar(255)"`
	Team               string `gorm:"type:varchar(255)"`
	Occurrences        int
	IsNew              bool
	Created            time.Time
	Updated            time.Time `gorm:"index"`
}

func (patternRecord) TableName() string { return "error_patterns" }

// PutEntry upserts an entry record.
func (s *GormStore) PutEntry(ctx context.Context, entry models.ErrorEntry) error {
	record := toEntryRecord(entry)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&record).Error
	if err != nil {
		return utils.NewAppError("store.PutEntry", "write entry", err)
	}
	return nil
}

// GetEntry returns the entry or ErrEntryNotFound.
func (s *GormStore) GetEntry(ctx context.Context, id string) (models.ErrorEntry, error) {
	var record entryRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ErrorEntry{}, utils.ErrEntryNotFound
	}
	if err != nil {
		return models.ErrorEntry{}, utils.NewAppError("store.GetEntry", "read entry", err)
	}
	return fromEntryRecord(record), nil
}

// ListEntriesByCluster returns member entries ordered by assignment time.
func (s *GormStore) ListEntriesByCluster(ctx context.Context, clusterID string) ([]models.ErrorEntry, error) {
	var records []entryRecord
	err := s.db.WithContext(ctx).
		Where("cluster_id = ?", clusterID).
		Order("created asc").
		Find(&records).Error
	if err != nil {
		return nil, utils.NewAppError("store.ListEntriesByCluster", "query entries", err)
	}
	return fromEntryRecords(records), nil
}

// ListEntriesSince returns entries observed at or after since.
func (s *GormStore) ListEntriesSince(ctx context.Context, application string, since time.Time) ([]models.ErrorEntry, error) {
	query := s.db.WithContext(ctx).Where("timestamp >= ?", since)
	if application != "" {
		query = query.Where("application_name = ?", application)
	}
	var records []entryRecord
	if err := query.Order("timestamp asc").Find(&records).Error; err != nil {
		return nil, utils.NewAppError("store.ListEntriesSince", "query entries", err)
	}
	return fromEntryRecords(records), nil
}

// PutCluster upserts a cluster record.
func (s *GormStore) PutCluster(ctx context.Context, cluster models.ErrorCluster) error {
	record := toClusterRecord(cluster)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&record).Error
	if err != nil {
		return utils.NewAppError("store.PutCluster", "write cluster", err)
	}
	return nil
}

// GetCluster returns the cluster or ErrClusterNotFound.
func (s *GormStore) GetCluster(ctx context.Context, id string) (models.ErrorCluster, error) {
	var record clusterRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ErrorCluster{}, utils.ErrClusterNotFound
	}
	if err != nil {
		return models.ErrorCluster{}, utils.NewAppError("store.GetCluster", "read cluster", err)
	}
	return fromClusterRecord(record), nil
}

// ListClusters returns all clusters for an application ordered by ID.
func (s *GormStore) ListClusters(ctx context.Context, application string) ([]models.ErrorCluster, error) {
	query := s.db.WithContext(ctx)
	if application != "" {
		query = query.Where("application_name = ?", application)
	}
	var records []clusterRecord
	if err := query.Order("id asc").Find(&records).Error; err != nil {
		return nil, utils.NewAppError("store.ListClusters", "query clusters", err)
	}
	clusters := make([]models.ErrorCluster, 0, len(records))
	for _, record := range records {
		clusters = append(clusters, fromClusterRecord(record))
	}
	return clusters, nil
}

// ListClustersInRange returns clusters whose activity overlaps [start, end].
func (s *GormStore) ListClustersInRange(ctx context.Context, application string, start, end time.Time) ([]models.ErrorCluster, error) {
	query := s.db.WithContext(ctx).Where("last_seen >= ? AND first_seen <= ?", start, end)
	if application != "" {
		query = query.Where("application_name = ?", application)
	}
	var records []clusterRecord
	if err := query.Order("id asc").Find(&records).Error; err != nil {
		return nil, utils.NewAppError("store.ListClustersInRange", "query clusters", err)
	}
	clusters := make([]models.ErrorCluster, 0, len(records))
	for _, record := range records {
		clusters = append(clusters, fromClusterRecord(record))
	}
	return clusters, nil
}

// UpdateCluster applies mutate under a row lock so concurrent assignments to
// the same cluster serialize instead of losing updates.
func (s *GormStore) UpdateCluster(ctx context.Context, id string, mutate func(*models.ErrorCluster) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record clusterRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrClusterNotFound
		}
		if err != nil {
			return err
		}
		cluster := fromClusterRecord(record)
		if err := mutate(&cluster); err != nil {
			return err
		}
		updated := toClusterRecord(cluster)
		return tx.Save(&updated).Error
	})
	if err != nil && !errors.Is(err, utils.ErrClusterNotFound) && !isDomainError(err) {
		return utils.NewAppError("store.UpdateCluster", "mutate cluster", err)
	}
	return err
}

// LookupSignature resolves a signature binding for an application.
func (s *GormStore) LookupSignature(ctx context.Context, application, sig string) (string, bool, error) {
	var record signatureRecord
	err := s.db.WithContext(ctx).
		First(&record, "application_name = ? AND signature = ?", application, sig).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, utils.NewAppError("store.LookupSignature", "read index", err)
	}
	return record.ClusterID, true, nil
}

// CompareAndCreate inserts the binding with conflict-do-nothing semantics and
// re-reads the winner, so racing creators converge on one cluster.
func (s *GormStore) CompareAndCreate(ctx context.Context, application, sig, clusterID string) (string, bool, error) {
	record := signatureRecord{ApplicationName: application, Signature: sig, ClusterID: clusterID}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if result.Error != nil {
		return "", false, utils.NewAppError("store.CompareAndCreate", "write index", result.Error)
	}
	if result.RowsAffected > 0 {
		return clusterID, true, nil
	}
	winner, ok, err := s.LookupSignature(ctx, application, sig)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, utils.NewAppError("store.CompareAndCreate", "binding vanished after conflict", nil)
	}
	return winner, false, nil
}

// PutPattern upserts a pattern record.
func (s *GormStore) PutPattern(ctx context.Context, pattern models.ErrorPattern) error {
	record := toPatternRecord(pattern)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&record).Error
	if err != nil {
		return utils.NewAppError("store.PutPattern", "write pattern", err)
	}
	return nil
}

// GetPattern returns the pattern or ErrPatternNotFound.
func (s *GormStore) GetPattern(ctx context.Context, id string) (models.ErrorPattern, error) {
	var record patternRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ErrorPattern{}, utils.ErrPatternNotFound
	}
	if err != nil {
		return models.ErrorPattern{}, utils.NewAppError("store.GetPattern", "read pattern", err)
	}
	return fromPatternRecord(record), nil
}

// ListPatterns returns patterns for an application ordered by ID.
func (s *GormStore) ListPatterns(ctx context.Context, application string) ([]models.ErrorPattern, error) {
	query := s.db.WithContext(ctx)
	if application != "" {
		query = query.Where("application_name = ?", application)
	}
	var records []patternRecord
	if err := query.Order("id asc").Find(&records).Error; err != nil {
		return nil, utils.NewAppError("store.ListPatterns", "query patterns", err)
	}
	patterns := make([]models.ErrorPattern, 0, len(records))
	for _, record := range records {
		patterns = append(patterns, fromPatternRecord(record))
	}
	return patterns, nil
}

// ListPatternsUpdatedSince returns patterns updated at or after since.
func (s *GormStore) ListPatternsUpdatedSince(ctx context.Context, since time.Time) ([]models.ErrorPattern, error) {
	var records []patternRecord
	err := s.db.WithContext(ctx).
		Where("updated >= ?", since).
		Order("id asc").
		Find(&records).Error
	if err != nil {
		return nil, utils.NewAppError("store.ListPatternsUpdatedSince", "query patterns", err)
	}
	patterns := make([]models.ErrorPattern, 0, len(records))
	for _, record := range records {
		patterns = append(patterns, fromPatternRecord(record))
	}
	return patterns, nil
}

// UpdatePattern applies mutate inside a transaction.
func (s *GormStore) UpdatePattern(ctx context.Context, id string, mutate func(*models.ErrorPattern) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record patternRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrPatternNotFound
		}
		if err != nil {
			return err
		}
		pattern := fromPatternRecord(record)
		if err := mutate(&pattern); err != nil {
			return err
		}
		updated := toPatternRecord(pattern)
		return tx.Save(&updated).Error
	})
	if err != nil && !errors.Is(err, utils.ErrPatternNotFound) && !isDomainError(err) {
		return utils.NewAppError("store.UpdatePattern", "mutate pattern", err)
	}
	return err
}

func isDomainError(err error) bool {
	var appErr *utils.AppError
	return errors.As(err, &appErr)
}

func marshalStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(data string) []string {
	if data == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil
	}
	if len(values) == 0 {
		return nil
	}
	return values
}

func marshalContext(ctx map[string]string) string {
	if len(ctx) == 0 {
		return "{}"
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalContext(data string) map[string]string {
	if data == "" {
		return nil
	}
	var ctx map[string]string
	if err := json.Unmarshal([]byte(data), &ctx); err != nil {
		return nil
	}
	if len(ctx) == 0 {
		return nil
	}
	return ctx
}

func toEntryRecord(entry models.ErrorEntry) entryRecord {
	return entryRecord{
		ID:              entry.ID,
		Timestamp:       entry.Timestamp,
		Message:         entry.Message,
		StackTrace:      entry.StackTrace,
		ExceptionType:   entry.ExceptionType,
		Source:          entry.Source,
		ApplicationName: entry.ApplicationName,
		Repository:      entry.Repository,
		Team:            entry.Team,
		StatusCode:      entry.StatusCode,
		Endpoint:        entry.Endpoint,
		Duration:        entry.Duration,
		UserAgent:       entry.UserAgent,
		Host:            entry.Host,
		Context:         marshalContext(entry.Context),
		ClusterID:       entry.ClusterID,
		Created:         entry.Created,
	}
}

func fromEntryRecord(record entryRecord) models.ErrorEntry {
	return models.ErrorEntry{
		ID:              record.ID,
		Timestamp:       record.Timestamp,
		Message:         record.Message,
		StackTrace:      record.StackTrace,
		ExceptionType:   record.ExceptionType,
		Source:          record.Source,
		ApplicationName: record.ApplicationName,
		Repository:      record.Repository,
		Team:            record.Team,
		StatusCode:      record.StatusCode,
		Endpoint:        record.Endpoint,
		Duration:        record.Duration,
		UserAgent:       record.UserAgent,
		Host:            record.Host,
		Context:         unmarshalContext(record.Context),
		ClusterID:       record.ClusterID,
		Created:         record.Created,
	}
}

func fromEntryRecords(records []entryRecord) []models.ErrorEntry {
	entries := make([]models.ErrorEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, fromEntryRecord(record))
	}
	return entries
}

func toClusterRecord(cluster models.ErrorCluster) clusterRecord {
	return clusterRecord{
		ID:                  cluster.ID,
		PatternSignature:    cluster.PatternSignature,
		RepresentativeError: cluster.RepresentativeError,
		ErrorIDs:            marshalStrings(cluster.ErrorIDs),
		FirstSeen:           cluster.FirstSeen,
		LastSeen:            cluster.LastSeen,
		Severity:            string(cluster.Severity),
		SuggestedRootCause:  cluster.SuggestedRootCause,
		AffectedUsers:       marshalStrings(cluster.AffectedUsers),
		AffectedEndpoints:   marshalStrings(cluster.AffectedEndpoints),
		ApplicationName:     cluster.ApplicationName,
		Repository:          cluster.Repository,
		Team:                cluster.Team,
		Created:             cluster.Created,
		Updated:             cluster.Updated,
	}
}

func fromClusterRecord(record clusterRecord) models.ErrorCluster {
	return models.ErrorCluster{
		ID:                  record.ID,
		PatternSignature:    record.PatternSignature,
		RepresentativeError: record.RepresentativeError,
		ErrorIDs:            unmarshalStrings(record.ErrorIDs),
		FirstSeen:           record.FirstSeen,
		LastSeen:            record.LastSeen,
		Severity:            models.Severity(record.Severity),
		SuggestedRootCause:  record.SuggestedRootCause,
		AffectedUsers:       unmarshalStrings(record.AffectedUsers),
		AffectedEndpoints:   unmarshalStrings(record.AffectedEndpoints),
		ApplicationName:     record.ApplicationName,
		Repository:          record.Repository,
		Team:                record.Team,
		Created:             record.Created,
		Updated:             record.Updated,
	}
}

func toPatternRecord(pattern models.ErrorPattern) patternRecord {
	return patternRecord{
		ID:                 pattern.ID,
		Name:               pattern.Name,
		Description:        pattern.Description,
		ClusterIDs:         marshalStrings(pattern.ClusterIDs),
		Type:               string(pattern.Type),
		Confidence:         pattern.Confidence,
		PotentialRootCause: pattern.PotentialRootCause,
		RelatedPatterns:    marshalStrings(pattern.RelatedPatterns),
		IdentifiedAt:       pattern.IdentifiedAt,
		Status:             string(pattern.Status),
		AssignedTo:         pattern.AssignedTo,
		ResolutionNotes:    pattern.ResolutionNotes,
		ResolvedAt:         pattern.ResolvedAt,
		ApplicationName:    pattern.ApplicationName,
		Repository:         pattern.Repository,
		Team:               pattern.Team,
		Occurrences:        pattern.Occurrences,
		IsNew:              pattern.IsNew,
		Created:            pattern.Created,
		Updated:            pattern.Updated,
	}
}

func fromPatternRecord(record patternRecord) models.ErrorPattern {
	return models.ErrorPattern{
		ID:                 record.ID,
		Name:               record.Name,
		Description:        record.Description,
		ClusterIDs:         unmarshalStrings(record.ClusterIDs),
		Type:               models.PatternType(record.Type),
		Confidence:         record.Confidence,
		PotentialRootCause: record.PotentialRootCause,
		RelatedPatterns:    unmarshalStrings(record.RelatedPatterns),
		IdentifiedAt:       record.IdentifiedAt,
		Status:             models.PatternStatus(record.Status),
		AssignedTo:         record.AssignedTo,
		ResolutionNotes:    record.ResolutionNotes,
		ResolvedAt:         record.ResolvedAt,
		ApplicationName:    record.ApplicationName,
		Repository:         record.Repository,
		Team:               record.Team,
		Occurrences:        record.Occurrences,
		IsNew:              record.IsNew,
		Created:            record.Created,
		Updated:            record.Updated,
	}
}
