package directory

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

var ErrNotFound = errors.New("directory: account not found")

// employeeDoc is the slice of the employee record the relay reads. The HR
// CRUD layer owns the full document.
type employeeDoc struct {
	UserID      string `bson:"user_id"`
	EmployeeNo  string `bson:"employee_no"`
	DisplayName string `bson:"display_name"`
	Role        string `bson:"role"`
	Status      string `bson:"status"`
}

// MongoResolver looks accounts up in the employees collection: user_id
// first, employee_no as the fallback for legacy token subjects.
type MongoResolver struct {
	coll *mongo.Collection
}

func NewMongoResolver(db *mongo.Database) *MongoResolver {
	return &MongoResolver{coll: db.Collection("employees")}
}

func (r *MongoResolver) Resolve(ctx context.Context, subject string) (*Profile, error) {
	doc, err := r.findOne(ctx, bson.M{"user_id": subject})
	if errors.Is(err, mongo.ErrNoDocuments) {
		doc, err = r.findOne(ctx, bson.M{"employee_no": subject})
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "directory lookup")
	}
	return &Profile{
		UserID:      doc.UserID,
		DisplayName: doc.DisplayName,
		Role:        doc.Role,
		Status:      doc.Status,
	}, nil
}

func (r *MongoResolver) findOne(ctx context.Context, filter bson.M) (*employeeDoc, error) {
	var doc employeeDoc
	if err := r.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
