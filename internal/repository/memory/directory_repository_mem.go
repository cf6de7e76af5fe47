package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/classping/notify/internal/core/domain"
)

type DirectoryRepository struct {
	mu        sync.Mutex
	guardians map[uuid.UUID]domain.Guardian
	links     []domain.GuardianLink
}

func NewDirectoryRepository() *DirectoryRepository {
	return &DirectoryRepository{guardians: make(map[uuid.UUID]domain.Guardian)}
}

// Seed installs directory fixtures; intended for tests and local runs.
func (r *DirectoryRepository) Seed(guardians []domain.Guardian, links []domain.GuardianLink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range guardians {
		r.guardians[g.ID] = g
	}
	r.links = append(r.links, links...)
}

func (r *DirectoryRepository) GetGuardian(ctx context.Context, id uuid.UUID) (*domain.Guardian, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guardians[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &g, nil
}

func (r *DirectoryRepository) ListLinksByStudent(ctx context.Context, studentID uuid.UUID) ([]domain.GuardianLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.GuardianLink
	for _, l := range r.links {
		if l.StudentID == studentID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Primary != out[j].Primary {
			return out[i].Primary
		}
		return out[i].GuardianID.String() < out[j].GuardianID.String()
	})
	return out, nil
}

func (r *DirectoryRepository) ListEmergencyEligible(ctx context.Context, studentIDs []uuid.UUID) ([]domain.GuardianLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inScope := func(l domain.GuardianLink) bool {
		if len(studentIDs) == 0 {
			return true
		}
		for _, id := range studentIDs {
			if l.StudentID == id {
				return true
			}
		}
		return false
	}

	seen := make(map[uuid.UUID]bool)
	var out []domain.GuardianLink
	for _, l := range r.links {
		if !l.EligibleForEmergency || !inScope(l) || seen[l.GuardianID] {
			continue
		}
		seen[l.GuardianID] = true
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuardianID.String() < out[j].GuardianID.String() })
	return out, nil
}
