package sqlstore

import (
	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

// Table is the name of the footprints table.
const Table = "footprints"

var (
	idColumn          = &schema.Column{Name: "id", Type: field.TypeInt64, Increment: true}
	ownerTypeColumn   = &schema.Column{Name: "owner_type", Type: field.TypeString, Size: 255}
	ownerIDColumn     = &schema.Column{Name: "owner_id", Type: field.TypeString, Size: 255}
	performerType     = &schema.Column{Name: "performer_type", Type: field.TypeString, Size: 255, Nullable: true}
	performerID       = &schema.Column{Name: "performer_id", Type: field.TypeString, Size: 255, Nullable: true}
	eventTypeColumn   = &schema.Column{Name: "event_type", Type: field.TypeString, Size: 255}
	countryCodeColumn = &schema.Column{Name: "country_code", Type: field.TypeString, Size: 8, Nullable: true}
	occurredAtColumn  = &schema.Column{Name: "occurred_at", Type: field.TypeTime}

	// FootprintsTable describes the footprints table for migration.
	FootprintsTable = &schema.Table{
		Name: Table,
		Columns: []*schema.Column{
			idColumn,
			ownerTypeColumn,
			ownerIDColumn,
			performerType,
			performerID,
			{Name: "ip", Type: field.TypeString, SchemaType: map[string]string{dialect.Postgres: "text"}},
			eventTypeColumn,
			{Name: "metadata", Type: field.TypeJSON},
			occurredAtColumn,
			countryCodeColumn,
			{Name: "country_name", Type: field.TypeString, Nullable: true},
			{Name: "city", Type: field.TypeString, Nullable: true},
			{Name: "region", Type: field.TypeString, Nullable: true},
			{Name: "continent", Type: field.TypeString, Nullable: true},
			{Name: "timezone", Type: field.TypeString, Nullable: true},
			{Name: "latitude", Type: field.TypeFloat64, Nullable: true},
			{Name: "longitude", Type: field.TypeFloat64, Nullable: true},
			{Name: "created_at", Type: field.TypeTime},
			{Name: "updated_at", Type: field.TypeTime},
		},
		PrimaryKey: []*schema.Column{idColumn},
		Indexes: []*schema.Index{
			{Name: "footprint_owner", Columns: []*schema.Column{ownerTypeColumn, ownerIDColumn}},
			{Name: "footprint_performer", Columns: []*schema.Column{performerType, performerID}},
			{Name: "footprint_event_type", Columns: []*schema.Column{eventTypeColumn}},
			{Name: "footprint_country_code", Columns: []*schema.Column{countryCodeColumn}},
			{Name: "footprint_occurred_at", Columns: []*schema.Column{occurredAtColumn}},
			{Name: "footprint_owner_event_occurred", Columns: []*schema.Column{ownerTypeColumn, ownerIDColumn, eventTypeColumn, occurredAtColumn}},
		},
	}
)

var selectColumns = []string{
	"id", "owner_type", "owner_id", "performer_type", "performer_id",
	"ip", "event_type", "metadata", "occurred_at",
	"country_code", "country_name", "city", "region", "continent", "timezone", "latitude", "longitude",
	"created_at", "updated_at",
}
