package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/sibylhq/sibyl/internal/state"
)

// ViewStuckRotations implements state.IntegrityViews.
func (s *Store) ViewStuckRotations(ctx context.Context, timeout time.Duration) ([]state.Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cutoff := time.Now().UTC().Add(-timeout)
	cur, err := s.sessions.Find(ctx, bson.M{
		"$or": []bson.M{
			{"rotation_in_progress": true},
			{"status": bson.M{"$in": []state.SessionStatus{state.SessionSummarizing, state.SessionRotating}}},
		},
		"created_at": bson.M{"$lte": cutoff},
	})
	if err != nil {
		return nil, err
	}
	return decodeSessions(ctx, cur)
}

// ViewOrphanedRotations implements state.IntegrityViews.
func (s *Store) ViewOrphanedRotations(ctx context.Context) ([]state.SessionRotation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.rotations.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []state.SessionRotation
	for cur.Next(ctx) {
		var doc rotationDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		if doc.ToSessionID == "" {
			continue
		}
		count, err := s.sessions.CountDocuments(ctx, bson.M{"session_id": doc.ToSessionID})
		if err != nil {
			return nil, err
		}
		if count == 0 {
			out = append(out, doc.toRotation())
		}
	}
	return out, cur.Err()
}

// ViewAbandonedActiveSessions implements state.IntegrityViews.
func (s *Store) ViewAbandonedActiveSessions(ctx context.Context) ([]state.Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.sessions.Find(ctx, bson.M{"status": state.SessionActive})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []state.Session
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		var conv conversationDocument
		err := s.conversations.FindOne(ctx, bson.M{"conversation_id": doc.ConversationID}).Decode(&conv)
		if err == mongodriver.ErrNoDocuments || (err == nil && conv.Status.Terminal()) {
			out = append(out, doc.toSession())
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return out, cur.Err()
}

// ViewTokenMismatch implements state.IntegrityViews.
func (s *Store) ViewTokenMismatch(ctx context.Context, tolerance int64) ([]state.Conversation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	actual := make(map[string]int64)
	reserved := make(map[string]int64)

	cur, err := s.calls.Find(ctx, bson.M{"status": bson.M{"$in": []state.CallStatus{
		state.CallSucceeded, state.CallQueued, state.CallRunning,
	}}})
	if err != nil {
		return nil, err
	}
	for cur.Next(ctx) {
		var doc callDocument
		if err := cur.Decode(&doc); err != nil {
			cur.Close(ctx)
			return nil, err
		}
		switch doc.Status {
		case state.CallSucceeded:
			actual[doc.ConversationID] += doc.TokensInActual + doc.TokensOutActual
		case state.CallQueued, state.CallRunning:
			reserved[doc.ConversationID] += doc.TokensInReserved
		}
	}
	if err := cur.Err(); err != nil {
		cur.Close(ctx)
		return nil, err
	}
	cur.Close(ctx)

	convCur, err := s.conversations.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer convCur.Close(ctx)
	var out []state.Conversation
	for convCur.Next(ctx) {
		var doc conversationDocument
		if err := convCur.Decode(&doc); err != nil {
			return nil, err
		}
		expected := actual[doc.ConversationID] + reserved[doc.ConversationID]
		diff := doc.TokensSpent - expected
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			out = append(out, doc.toConversation())
		}
	}
	return out, convCur.Err()
}

func decodeSessions(ctx context.Context, cur *mongodriver.Cursor) ([]state.Session, error) {
	defer cur.Close(ctx)
	var out []state.Session
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toSession())
	}
	return out, cur.Err()
}
