package database

import (
	"context"

	"cloudbudgetguard/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ReportRepo reads weekly spend reports.
type ReportRepo struct {
	col *mongo.Collection
}

func NewReportRepo(db *mongo.Database) *ReportRepo {
	return &ReportRepo{col: db.Collection(WeeklyReportsCollection)}
}

// Latest returns the user's most recent report by week, served by the
// {userId, weekStart} index.
func (r *ReportRepo) Latest(ctx context.Context, userID primitive.ObjectID) (*models.WeeklyReport, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	opts := options.FindOne().SetSort(bson.D{{Key: "weekStart", Value: -1}})
	var report models.WeeklyReport
	if err := r.col.FindOne(ctx, bson.M{"userId": userID}, opts).Decode(&report); err != nil {
		return nil, notFound(err)
	}
	return &report, nil
}
