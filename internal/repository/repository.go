// Package repository holds the storage implementations of the patient,
// reading and assessment series: in-memory, SQLite and PostgreSQL.
package repository

import (
	"sort"

	"github.com/patient-risk-monitor/internal/domain"
)

var (
	_ domain.Repository = (*MemoryRepository)(nil)
	_ domain.Repository = (*SQLiteRepository)(nil)
	_ domain.Repository = (*PostgresRepository)(nil)
)

func effectiveLimit(limit int) int {
	if limit <= 0 || limit > domain.MaxHistoryLimit {
		return domain.MaxHistoryLimit
	}
	return limit
}

func sortPatients(patients []*domain.Patient) {
	sort.Slice(patients, func(i, j int) bool {
		if patients[i].RegisteredAt.Equal(patients[j].RegisteredAt) {
			return patients[i].ID < patients[j].ID
		}
		return patients[i].RegisteredAt.Before(patients[j].RegisteredAt)
	})
}

func reverseReadings(rs []*domain.Reading) {
	for i, j := 0, len(rs)-1; i < j; i, j = i+1, j-1 {
		rs[i], rs[j] = rs[j], rs[i]
	}
}
