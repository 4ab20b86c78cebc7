package store

import (
	"context"
	"fmt"
	"log"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"geopresence/internal/model"
)

// Firestore stores one document per subject in a single collection.
type Firestore struct {
	client     *firestore.Client
	collection string
}

func NewFirestore(client *firestore.Client, collection string) *Firestore {
	return &Firestore{client: client, collection: collection}
}

func (f *Firestore) col() *firestore.CollectionRef {
	return f.client.Collection(f.collection)
}

// patchData builds the merge payload; only the fields of the patch are
// present so MergeAll leaves the rest of the document alone.
func patchData(subjectID string, p model.PresencePatch) map[string]interface{} {
	data := map[string]interface{}{
		model.FieldStatus:        string(p.Status),
		model.FieldLastUpdatedAt: firestore.ServerTimestamp,
	}
	if p.Subject != nil {
		data[model.FieldSubjectID] = subjectID
		data[model.FieldDisplayName] = p.Subject.DisplayName
		data[model.FieldContact] = p.Subject.Contact
		data[model.FieldRole] = p.Subject.Role
	}
	if p.Location != nil {
		data[model.FieldLocation] = map[string]interface{}{
			"latitude":       p.Location.Latitude,
			"longitude":      p.Location.Longitude,
			"accuracyMeters": p.Location.AccuracyMeters,
		}
	}
	if p.TouchSeen {
		data[model.FieldLastSeenAt] = firestore.ServerTimestamp
	}
	return data
}

// updateData turns the payload into field updates for Doc.Update, which
// fails with NotFound instead of creating the document.
func updateData(subjectID string, p model.PresencePatch) []firestore.Update {
	data := patchData(subjectID, p)
	updates := make([]firestore.Update, 0, len(data))
	for _, field := range p.Fields() {
		if v, ok := data[field]; ok {
			updates = append(updates, firestore.Update{Path: field, Value: v})
		}
	}
	return updates
}

func (f *Firestore) Upsert(ctx context.Context, subjectID string, patch model.PresencePatch) error {
	doc := f.col().Doc(subjectID)
	if patch.UpdateOnly() {
		_, err := doc.Update(ctx, updateData(subjectID, patch))
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("firestore update %s: %w", subjectID, err)
		}
		return nil
	}

	_, err := doc.Set(ctx, patchData(subjectID, patch), firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("firestore upsert %s: %w", subjectID, err)
	}
	return nil
}

func (f *Firestore) Delete(ctx context.Context, subjectID string) error {
	if _, err := f.col().Doc(subjectID).Delete(ctx); err != nil {
		return fmt.Errorf("firestore delete %s: %w", subjectID, err)
	}
	return nil
}

func (f *Firestore) Get(ctx context.Context, subjectID string) (*model.PresenceRecord, error) {
	snap, err := f.col().Doc(subjectID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("firestore get %s: %w", subjectID, err)
	}
	return decodeDoc(snap)
}

func (f *Firestore) List(ctx context.Context, filter Filter) ([]model.PresenceRecord, error) {
	q := f.col().OrderBy(model.FieldLastSeenAt, firestore.Desc)
	if filter.Status != "" {
		q = q.Where(model.FieldStatus, "==", string(filter.Status))
	}
	if filter.Role != "" {
		q = q.Where(model.FieldRole, "==", filter.Role)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("firestore list: %w", err)
	}
	return decodeDocs(docs)
}

func (f *Firestore) Listen(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)

	go func() {
		defer close(ch)

		it := f.col().OrderBy(model.FieldLastSeenAt, firestore.Desc).Snapshots(ctx)
		defer it.Stop()

		for {
			qs, err := it.Next()
			if err == iterator.Done || ctx.Err() != nil {
				return
			}
			if err != nil {
				sendSnapshot(ctx, ch, Snapshot{Err: fmt.Errorf("%w: %v", ErrListenFailure, err)})
				return
			}

			docs, err := qs.Documents.GetAll()
			if err != nil {
				sendSnapshot(ctx, ch, Snapshot{Err: fmt.Errorf("%w: %v", ErrListenFailure, err)})
				return
			}
			records, err := decodeDocs(docs)
			if err != nil {
				log.Printf("firestore: skipping undecodable snapshot: %v", err)
				continue
			}
			if !sendSnapshot(ctx, ch, Snapshot{Records: records}) {
				return
			}
		}
	}()

	return ch
}

func (f *Firestore) Close() error {
	return f.client.Close()
}

func decodeDoc(snap *firestore.DocumentSnapshot) (*model.PresenceRecord, error) {
	var rec model.PresenceRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", snap.Ref.ID, err)
	}
	if rec.SubjectID == "" {
		rec.SubjectID = snap.Ref.ID
	}
	return &rec, nil
}

func decodeDocs(docs []*firestore.DocumentSnapshot) ([]model.PresenceRecord, error) {
	out := make([]model.PresenceRecord, 0, len(docs))
	for _, d := range docs {
		rec, err := decodeDoc(d)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}
