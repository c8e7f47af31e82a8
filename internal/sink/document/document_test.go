package document

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/jfoltran/cdcfabric/internal/model"
)

func insertChange(t *testing.T) *model.Change {
	t.Helper()
	after := &model.Tuple{Fields: []model.Field{{Name: "id", Value: int32(1)}, {Name: "name", Value: "ada"}}}
	c, err := model.New(model.OpInsert, model.Ident{Database: "d", Schema: "public", Table: "users"}, nil, after, nil, nil, model.Position("1"), time.Now(), "")
	if err != nil {
		t.Fatalf("model.New() unexpected error: %v", err)
	}
	return c
}

func TestKeyFilter_UsesExtractedKey(t *testing.T) {
	c := insertChange(t)
	filter := keyFilter(c)
	if filter["id"] != int32(1) {
		t.Errorf("keyFilter()[id] = %v, want 1", filter["id"])
	}
}

func TestDocOf_CopiesAllFields(t *testing.T) {
	c := insertChange(t)
	doc := docOf(c.After())
	want := bson.M{"id": int32(1), "name": "ada"}
	for k, v := range want {
		if doc[k] != v {
			t.Errorf("docOf()[%s] = %v, want %v", k, doc[k], v)
		}
	}
}
