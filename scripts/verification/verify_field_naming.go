// +build ignore

package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SessionDocument mirrors the session record the service persists, with the
// short camelCase field names the store uses.
type SessionDocument struct {
	ID             string    `bson:"_id"`
	UserID         string    `bson:"uid"`
	Email          string    `bson:"email"`
	State          string    `bson:"state"`
	ConversationID string    `bson:"convId,omitempty"`
	MessageCount   int64     `bson:"msgCount"`
	CreatedAt      time.Time `bson:"ts"`
	UpdatedAt      time.Time `bson:"_mt"`
	ClosedAt       time.Time `bson:"closedTs,omitempty"`
}

// MessageDocument mirrors one transcript entry.
type MessageDocument struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	SessionID string             `bson:"sid"`
	Sender    string             `bson:"sender"`
	Content   string             `bson:"content"`
	Timestamp time.Time          `bson:"ts"`
}

func main() {
	fmt.Println("=== MongoDB Field Naming Verification ===\n")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI("mongodb://127.0.0.1:27017").
		SetAuth(options.Credential{
			Username:   "admin",
			Password:   "password",
			AuthSource: "admin",
		})
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(ctx)

	if err := client.Ping(ctx, nil); err != nil {
		log.Fatalf("Failed to ping MongoDB: %v", err)
	}
	fmt.Println("✓ Connected to MongoDB")

	db := client.Database("test_field_naming")
	sessions := db.Collection("sessions")
	messages := db.Collection("messages")

	sessions.Drop(ctx)
	messages.Drop(ctx)
	fmt.Println("✓ Cleaned up test collections")

	// Test 1: Create a session document
	fmt.Println("\nTest 1: Creating session document...")
	now := time.Now().UTC()
	doc := SessionDocument{
		ID:             "test-session-1",
		UserID:         "user-123",
		Email:          "user-123@example.com",
		State:          "escalated",
		ConversationID: "conv-abc",
		MessageCount:   3,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if _, err = sessions.InsertOne(ctx, doc); err != nil {
		log.Fatalf("Failed to insert session: %v", err)
	}
	fmt.Println("✓ Session inserted")

	// Test 2: Verify raw field names
	fmt.Println("\nTest 2: Verifying session field names...")
	var rawDoc bson.M
	if err = sessions.FindOne(ctx, bson.M{"_id": "test-session-1"}).Decode(&rawDoc); err != nil {
		log.Fatalf("Failed to find session: %v", err)
	}

	expectedFields := []string{"uid", "email", "state", "convId", "msgCount", "ts", "_mt"}
	allFieldsCorrect := true
	for _, field := range expectedFields {
		if _, exists := rawDoc[field]; !exists {
			fmt.Printf("✗ Field '%s' not found in session document\n", field)
			allFieldsCorrect = false
		} else {
			fmt.Printf("✓ Field '%s' exists\n", field)
		}
	}

	// Long-form aliases must never appear alongside the short names.
	oldFields := []string{"user_id", "conversation_id", "message_count", "created_at", "updated_at", "closed_at"}
	for _, field := range oldFields {
		if _, exists := rawDoc[field]; exists {
			fmt.Printf("✗ Long-form field '%s' present (should use short name)\n", field)
			allFieldsCorrect = false
		}
	}

	if allFieldsCorrect {
		fmt.Println("\n✓ All session field names are correct")
	} else {
		fmt.Println("\n✗ Some session field names are incorrect")
	}

	// Test 3: Open-session lookup by uid + state
	fmt.Println("\nTest 3: Querying by 'uid' and 'state'...")
	var result SessionDocument
	filter := bson.M{"uid": "user-123", "state": bson.M{"$in": []string{"ai", "escalated"}}}
	if err = sessions.FindOne(ctx, filter).Decode(&result); err != nil {
		log.Fatalf("Failed open-session lookup: %v", err)
	}
	fmt.Printf("✓ Open-session lookup successful: found '%s'\n", result.ID)

	// Test 4: Console sort by _mt
	fmt.Println("\nTest 4: Sorting by '_mt'...")
	doc2 := SessionDocument{
		ID:        "test-session-2",
		UserID:    "user-456",
		Email:     "user-456@example.com",
		State:     "ai",
		CreatedAt: now.Add(time.Hour),
		UpdatedAt: now.Add(time.Hour),
	}
	sessions.InsertOne(ctx, doc2)

	cursor, err := sessions.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_mt", Value: -1}}))
	if err != nil {
		log.Fatalf("Failed to sort by _mt: %v", err)
	}
	var sorted []SessionDocument
	if err = cursor.All(ctx, &sorted); err != nil {
		log.Fatalf("Failed to decode sorted sessions: %v", err)
	}
	if len(sorted) != 2 || sorted[0].ID != "test-session-2" {
		log.Fatalf("Unexpected _mt sort order: %+v", sorted)
	}
	fmt.Println("✓ Sort by '_mt' returns newest first")

	// Test 5: Transcript ordering by sid + _id
	fmt.Println("\nTest 5: Verifying transcript field names and ordering...")
	for i, content := range []string{"hello", "hi, how can I help?", "I need a human"} {
		msg := MessageDocument{
			ID:        primitive.NewObjectID(),
			SessionID: "test-session-1",
			Sender:    []string{"user", "ai", "user"}[i],
			Content:   content,
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}
		if _, err = messages.InsertOne(ctx, msg); err != nil {
			log.Fatalf("Failed to insert message: %v", err)
		}
	}

	cursor, err = messages.Find(ctx, bson.M{"sid": "test-session-1"},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		log.Fatalf("Failed transcript query: %v", err)
	}
	var transcript []MessageDocument
	if err = cursor.All(ctx, &transcript); err != nil {
		log.Fatalf("Failed to decode transcript: %v", err)
	}
	if len(transcript) != 3 || transcript[0].Content != "hello" {
		log.Fatalf("Unexpected transcript order: %+v", transcript)
	}
	fmt.Println("✓ Transcript query by 'sid' ordered by '_id' works")

	// Test 6: Guarded close update
	fmt.Println("\nTest 6: Soft-close update with state guard...")
	closeFilter := bson.M{"_id": "test-session-1", "state": bson.M{"$in": []string{"ai", "escalated"}}}
	closeUpdate := bson.M{"$set": bson.M{
		"state":    "closed",
		"closedTs": time.Now().UTC(),
		"_mt":      time.Now().UTC(),
	}}
	res, err := sessions.UpdateOne(ctx, closeFilter, closeUpdate)
	if err != nil {
		log.Fatalf("Failed to close session: %v", err)
	}
	if res.ModifiedCount != 1 {
		log.Fatalf("Close matched %d documents, want 1", res.ModifiedCount)
	}

	// Repeating the guarded close must match nothing.
	res, err = sessions.UpdateOne(ctx, closeFilter, closeUpdate)
	if err != nil {
		log.Fatalf("Failed repeat close: %v", err)
	}
	if res.MatchedCount != 0 {
		log.Fatalf("Repeat close matched %d documents, want 0", res.MatchedCount)
	}
	fmt.Println("✓ Guarded close is idempotent")

	// Test 7: Write-once convId guard
	fmt.Println("\nTest 7: Write-once conversation ID...")
	convFilter := bson.M{"_id": "test-session-2", "convId": bson.M{"$exists": false}}
	if _, err = sessions.UpdateOne(ctx, convFilter, bson.M{"$set": bson.M{"convId": "conv-first"}}); err != nil {
		log.Fatalf("Failed first convId write: %v", err)
	}
	res, err = sessions.UpdateOne(ctx, convFilter, bson.M{"$set": bson.M{"convId": "conv-second"}})
	if err != nil {
		log.Fatalf("Failed second convId write: %v", err)
	}
	if res.MatchedCount != 0 {
		log.Fatalf("Second convId write matched %d documents, want 0", res.MatchedCount)
	}
	fmt.Println("✓ convId binding is write-once")

	sessions.Drop(ctx)
	messages.Drop(ctx)
	fmt.Println("\n✓ Test collections cleaned up")

	fmt.Println("\n=== All MongoDB Field Naming Tests Passed ===")
}
