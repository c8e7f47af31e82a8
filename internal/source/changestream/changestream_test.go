package changestream

import (
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/jfoltran/cdcfabric/internal/model"
)

func TestToChange_Insert(t *testing.T) {
	c := &Connector{name: "mongo-src"}
	doc, err := bson.Marshal(bson.M{"_id": "abc", "amount": 10})
	if err != nil {
		t.Fatalf("bson.Marshal() unexpected error: %v", err)
	}
	event := changeEvent{OperationType: "insert", FullDocument: doc, ClusterTime: time.Now()}
	event.Ns.DB = "shop"
	event.Ns.Coll = "orders"

	ch, err := c.toChange(event, model.Position("tok1"))
	if err != nil {
		t.Fatalf("toChange() unexpected error: %v", err)
	}
	if ch.Op() != model.OpInsert || ch.Table() != "orders" || ch.Database() != "shop" {
		t.Errorf("toChange() = %+v, unexpected ident/op", ch)
	}
	if _, ok := ch.After().Get("_id"); !ok {
		t.Error("expected _id field present in after tuple")
	}
}

func TestToChange_Delete(t *testing.T) {
	c := &Connector{name: "mongo-src"}
	key, err := bson.Marshal(bson.M{"_id": "abc"})
	if err != nil {
		t.Fatalf("bson.Marshal() unexpected error: %v", err)
	}
	event := changeEvent{OperationType: "delete", DocumentKey: key}
	event.Ns.Coll = "orders"

	ch, err := c.toChange(event, model.Position("tok2"))
	if err != nil {
		t.Fatalf("toChange() unexpected error: %v", err)
	}
	if ch.Op() != model.OpDelete {
		t.Errorf("toChange() op = %v, want delete", ch.Op())
	}
}

func TestToChange_Drop(t *testing.T) {
	c := &Connector{name: "mongo-src"}
	event := changeEvent{OperationType: "drop"}
	event.Ns.Coll = "orders"

	ch, err := c.toChange(event, model.Position("tok3"))
	if err != nil {
		t.Fatalf("toChange() unexpected error: %v", err)
	}
	if ch.Op() != model.OpTruncate {
		t.Errorf("toChange() op = %v, want truncate", ch.Op())
	}
}

func TestToChange_UnsupportedType(t *testing.T) {
	c := &Connector{name: "mongo-src"}
	event := changeEvent{OperationType: "rename"}
	if _, err := c.toChange(event, model.Position("tok4")); err == nil {
		t.Fatal("expected error for unsupported operation type")
	}
}

func TestIsResumeTokenError(t *testing.T) {
	if !isResumeTokenError(errors.New("resume token not found")) {
		t.Error("expected message containing 'resume' to be classified as resume-token error")
	}
	if isResumeTokenError(errors.New("connection reset by peer")) {
		t.Error("plain connectivity error should not be classified as resume-token error")
	}
}
