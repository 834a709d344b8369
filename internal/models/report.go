package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// WeeklyReport is the spend summary generated for a user each week.
type WeeklyReport struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID    primitive.ObjectID `bson:"userId" json:"userId"`
	WeekStart time.Time          `bson:"weekStart" json:"weekStart"`
	TotalCost float64            `bson:"totalCost" json:"totalCost"`
	Currency  string             `bson:"currency" json:"currency"`
	Services  []ServiceCost      `bson:"services,omitempty" json:"services,omitempty"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
}

type ServiceCost struct {
	Service string  `bson:"service" json:"service"`
	Cost    float64 `bson:"cost" json:"cost"`
}
