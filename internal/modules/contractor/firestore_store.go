// README: Contractor registry backed by Cloud Firestore (the booking app's "contractors" collection).
package contractor

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"homematch/internal/types"
)

const contractorsCollection = "contractors"

// firestoreContractor mirrors a single document in the contractors collection.
type firestoreContractor struct {
	Name                string               `firestore:"name"`
	Location            types.Point          `firestore:"location"`
	Services            []string             `firestore:"services"`
	Rating              float64              `firestore:"rating"`
	CompletedJobs       int                  `firestore:"completedJobs"`
	ResponseTimeMinutes float64              `firestore:"responseTimeMinutes"`
	AcceptanceRate      float64              `firestore:"acceptanceRate"`
	HourlyRate          float64              `firestore:"hourlyRate"`
	EmergencyAvailable  bool                 `firestore:"emergencyAvailable"`
	CurrentJobs         int                  `firestore:"currentJobs"`
	MaxConcurrentJobs   int                  `firestore:"maxConcurrentJobs"`
	Certifications      []string             `firestore:"certifications"`
	Availability        map[string]DayWindow `firestore:"availability"`
	FCMToken            string               `firestore:"fcmToken"`
	Active              bool                 `firestore:"active"`
}

func (c firestoreContractor) profile(id string) Profile {
	return Profile{
		ID:                  types.ID(id),
		Name:                c.Name,
		Location:            c.Location,
		Services:            c.Services,
		Rating:              c.Rating,
		CompletedJobs:       c.CompletedJobs,
		ResponseTimeMinutes: c.ResponseTimeMinutes,
		AcceptanceRate:      c.AcceptanceRate,
		HourlyRate:          c.HourlyRate,
		EmergencyAvailable:  c.EmergencyAvailable,
		CurrentJobs:         c.CurrentJobs,
		MaxConcurrentJobs:   c.MaxConcurrentJobs,
		Certifications:      c.Certifications,
		Availability:        WeeklyAvailability(c.Availability),
		DeviceToken:         c.FCMToken,
	}
}

// FirestoreStore reads contractor profiles from Firestore. Documents that
// fail validation are skipped and logged; matching never sees them.
type FirestoreStore struct {
	client *firestore.Client
	log    *zap.Logger
}

func NewFirestoreStore(client *firestore.Client, log *zap.Logger) *FirestoreStore {
	return &FirestoreStore{client: client, log: log.Named("firestore_registry")}
}

func (s *FirestoreStore) ListByService(ctx context.Context, service string) ([]Profile, error) {
	q := s.client.Collection(contractorsCollection).
		Where("services", "array-contains", service).
		Where("active", "==", true)
	out, err := s.collect(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying firestore contractors for %s: %w", service, err)
	}
	return out, nil
}

// ListActive returns every active contractor, used to rebuild the GEO index.
func (s *FirestoreStore) ListActive(ctx context.Context) ([]Profile, error) {
	out, err := s.collect(ctx, s.client.Collection(contractorsCollection).Where("active", "==", true))
	if err != nil {
		return nil, fmt.Errorf("querying active firestore contractors: %w", err)
	}
	return out, nil
}

func (s *FirestoreStore) collect(ctx context.Context, q firestore.Query) ([]Profile, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []Profile
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var entry firestoreContractor
		if err := doc.DataTo(&entry); err != nil {
			s.log.Warn("skipping undecodable contractor document",
				zap.String("contractor_id", doc.Ref.ID), zap.Error(err))
			continue
		}
		p := entry.profile(doc.Ref.ID)
		if err := p.Validate(); err != nil {
			s.log.Warn("skipping invalid contractor document",
				zap.String("contractor_id", doc.Ref.ID), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *FirestoreStore) Get(ctx context.Context, id types.ID) (Profile, error) {
	doc, err := s.client.Collection(contractorsCollection).Doc(string(id)).Get(ctx)
	if err != nil {
		if !doc.Exists() {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("reading contractor %s: %w", id, err)
	}
	var entry firestoreContractor
	if err := doc.DataTo(&entry); err != nil {
		return Profile{}, fmt.Errorf("decoding contractor %s: %w", id, err)
	}
	return entry.profile(doc.Ref.ID), nil
}
