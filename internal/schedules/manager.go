package schedules

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/awsclients"
)

const (
	executionTTL = 90 * 24 * time.Hour

	enabledIndexName = "enabled-schedules-index"
)

// Target pins a schedule to exactly one nodegroup.
type Target struct {
	AccountID     string `dynamodbav:"account_id" json:"account_id"`
	Region        string `dynamodbav:"region" json:"region"`
	ClusterName   string `dynamodbav:"cluster_name" json:"cluster_name"`
	NodegroupName string `dynamodbav:"nodegroup_name" json:"nodegroup_name"`
}

// Schedule is a stored cron-driven capacity schedule. Enabled is stored as a
// "true"/"false" string so it can key the secondary index.
type Schedule struct {
	PK              string `dynamodbav:"PK" json:"-"`
	SK              string `dynamodbav:"SK" json:"-"`
	ScheduleID      string `dynamodbav:"schedule_id" json:"schedule_id"`
	NodegroupID     string `dynamodbav:"nodegroup_id" json:"nodegroup_id"`
	Name            string `dynamodbav:"name" json:"name"`
	Recurrence      string `dynamodbav:"recurrence" json:"recurrence"`
	DesiredCapacity *int32 `dynamodbav:"desired_capacity,omitempty" json:"desired_capacity,omitempty"`
	MinSize         *int32 `dynamodbav:"min_size,omitempty" json:"min_size,omitempty"`
	MaxSize         *int32 `dynamodbav:"max_size,omitempty" json:"max_size,omitempty"`
	TimeZone        string `dynamodbav:"time_zone" json:"time_zone"`
	StartDate       string `dynamodbav:"start_date,omitempty" json:"start_date,omitempty"`
	StartTime       string `dynamodbav:"start_time,omitempty" json:"start_time,omitempty"`
	EndDate         string `dynamodbav:"end_date,omitempty" json:"end_date,omitempty"`
	EndTime         string `dynamodbav:"end_time,omitempty" json:"end_time,omitempty"`
	Target          Target `dynamodbav:"target" json:"target"`
	Enabled         string `dynamodbav:"enabled" json:"enabled"`
	PausedUntil     string `dynamodbav:"paused_until,omitempty" json:"paused_until,omitempty"`
	CreatedBy       string `dynamodbav:"created_by" json:"created_by"`
	CreatedAt       string `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt       string `dynamodbav:"updated_at" json:"updated_at"`
}

// IsEnabled reports the string-coded enabled flag as a bool.
func (s *Schedule) IsEnabled() bool {
	return s.Enabled == "true"
}

// Execution is one entry in a schedule's run history.
type Execution struct {
	PK            string `dynamodbav:"PK" json:"-"`
	SK            string `dynamodbav:"SK" json:"-"`
	ScheduleID    string `dynamodbav:"schedule_id" json:"schedule_id"`
	Action        string `dynamodbav:"action" json:"action"`
	OperationID   string `dynamodbav:"operation_id" json:"operation_id"`
	ClustersCount int    `dynamodbav:"clusters_count" json:"clusters_count"`
	ExecutedAt    string `dynamodbav:"executed_at" json:"executed_at"`
	TTL           int64  `dynamodbav:"ttl" json:"-"`
}

// CreateInput carries the fields for a new schedule.
type CreateInput struct {
	Name            string `json:"name"`
	Recurrence      string `json:"recurrence"`
	DesiredCapacity *int32 `json:"desired_capacity,omitempty"`
	MinSize         *int32 `json:"min_size,omitempty"`
	MaxSize         *int32 `json:"max_size,omitempty"`
	TimeZone        string `json:"time_zone,omitempty"`
	StartDate       string `json:"start_date,omitempty"`
	StartTime       string `json:"start_time,omitempty"`
	EndDate         string `json:"end_date,omitempty"`
	EndTime         string `json:"end_time,omitempty"`
	Target          Target `json:"target"`
}

// UpdateInput carries a partial schedule update. Nil fields are untouched.
type UpdateInput struct {
	Name            *string `json:"name,omitempty"`
	Recurrence      *string `json:"recurrence,omitempty"`
	DesiredCapacity *int32  `json:"desired_capacity,omitempty"`
	MinSize         *int32  `json:"min_size,omitempty"`
	MaxSize         *int32  `json:"max_size,omitempty"`
	TimeZone        *string `json:"time_zone,omitempty"`
	StartDate       *string `json:"start_date,omitempty"`
	StartTime       *string `json:"start_time,omitempty"`
	EndDate         *string `json:"end_date,omitempty"`
	EndTime         *string `json:"end_time,omitempty"`
	Enabled         *bool   `json:"enabled,omitempty"`
	PausedUntil     *string `json:"paused_until,omitempty"`
}

// ListOptions filters List results. EnabledOnly uses the secondary index;
// the name filters are applied client side on the target fields.
type ListOptions struct {
	EnabledOnly   bool
	ClusterName   string
	NodegroupName string
}

// AlreadyExistsError reports that the target nodegroup already has an
// active schedule.
type AlreadyExistsError struct {
	NodegroupID string
	ScheduleID  string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("nodegroup %s already has an active schedule %s", e.NodegroupID, e.ScheduleID)
}

// ValidationError reports rejected schedule input.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid schedule: " + e.Reason
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Logger   *zap.Logger
	DynamoDB awsclients.DynamoDBAPI
	Table    string
}

// Manager performs schedule CRUD against the schedules table.
type Manager struct {
	lg        *zap.Logger
	ddbClient awsclients.DynamoDBAPI
	table     string

	nowFunc func() time.Time
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}
	if cfg.DynamoDB == nil {
		return nil, fmt.Errorf("missing DynamoDB client")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("missing table name")
	}
	return &Manager{
		lg:        cfg.Logger,
		ddbClient: cfg.DynamoDB,
		table:     cfg.Table,
		nowFunc:   time.Now,
	}, nil
}

// Create validates and stores a schedule plus its nodegroup mapping. Each
// nodegroup can carry at most one enabled schedule.
func (m *Manager) Create(ctx context.Context, in CreateInput, createdBy string) (*Schedule, error) {
	if in.Name == "" {
		return nil, &ValidationError{Reason: "name is required"}
	}
	if err := ValidateCron(in.Recurrence); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	t := in.Target
	if t.AccountID == "" || t.Region == "" || t.ClusterName == "" || t.NodegroupName == "" {
		return nil, &ValidationError{Reason: "target must include account_id, region, cluster_name, and nodegroup_name"}
	}
	tzName := in.TimeZone
	if tzName == "" {
		tzName = "UTC"
	}
	if _, err := time.LoadLocation(tzName); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("invalid timezone %q", tzName)}
	}

	nodegroupID := fmt.Sprintf("%s:%s:%s:%s", t.AccountID, t.Region, t.ClusterName, t.NodegroupName)

	// Look up the existing mapping. A stale mapping whose schedule was
	// disabled does not block a new one.
	existingID, err := m.mappedScheduleID(ctx, nodegroupID)
	if err != nil {
		return nil, err
	}
	if existingID != "" {
		existing, err := m.Get(ctx, existingID)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.IsEnabled() {
			return nil, &AlreadyExistsError{NodegroupID: nodegroupID, ScheduleID: existingID}
		}
	}

	now := m.nowFunc().UTC().Format(time.RFC3339)
	scheduleID := uuid.NewString()
	sched := &Schedule{
		PK:              schedulePK(scheduleID),
		SK:              "CONFIG",
		ScheduleID:      scheduleID,
		NodegroupID:     nodegroupID,
		Name:            in.Name,
		Recurrence:      in.Recurrence,
		DesiredCapacity: in.DesiredCapacity,
		MinSize:         in.MinSize,
		MaxSize:         in.MaxSize,
		TimeZone:        tzName,
		StartDate:       in.StartDate,
		StartTime:       in.StartTime,
		EndDate:         in.EndDate,
		EndTime:         in.EndTime,
		Target:          t,
		Enabled:         "true",
		CreatedBy:       createdBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	item, err := attributevalue.MarshalMap(sched)
	if err != nil {
		return nil, err
	}
	if _, err := m.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(m.table),
		Item:      item,
	}); err != nil {
		return nil, err
	}
	if _, err := m.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(m.table),
		Item: map[string]dynamodbtypes.AttributeValue{
			"PK":          &dynamodbtypes.AttributeValueMemberS{Value: "ASG_MAP#" + nodegroupID},
			"SK":          &dynamodbtypes.AttributeValueMemberS{Value: "MAPPING"},
			"schedule_id": &dynamodbtypes.AttributeValueMemberS{Value: sched.ScheduleID},
			"updated_at":  &dynamodbtypes.AttributeValueMemberS{Value: now},
		},
	}); err != nil {
		return nil, err
	}

	m.lg.Info("schedule created",
		zap.String("schedule_id", sched.ScheduleID),
		zap.String("nodegroup_id", nodegroupID),
		zap.String("schedule_name", in.Name),
	)
	return sched, nil
}

func (m *Manager) mappedScheduleID(ctx context.Context, nodegroupID string) (string, error) {
	out, err := m.ddbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(m.table),
		Key: map[string]dynamodbtypes.AttributeValue{
			"PK": &dynamodbtypes.AttributeValueMemberS{Value: "ASG_MAP#" + nodegroupID},
			"SK": &dynamodbtypes.AttributeValueMemberS{Value: "MAPPING"},
		},
	})
	if err != nil {
		return "", err
	}
	if len(out.Item) == 0 {
		return "", nil
	}
	if v, ok := out.Item["schedule_id"].(*dynamodbtypes.AttributeValueMemberS); ok {
		return v.Value, nil
	}
	return "", nil
}

// Get returns a schedule by ID, or nil when it does not exist.
func (m *Manager) Get(ctx context.Context, scheduleID string) (*Schedule, error) {
	out, err := m.ddbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(m.table),
		Key:       scheduleKey(scheduleID),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var sched Schedule
	if err := attributevalue.UnmarshalMap(out.Item, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

// List returns schedules, optionally restricted to enabled ones and filtered
// by target cluster or nodegroup.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]Schedule, error) {
	var items []map[string]dynamodbtypes.AttributeValue
	if opts.EnabledOnly {
		out, err := m.ddbClient.Query(ctx, &dynamodb.QueryInput{
			TableName:                aws.String(m.table),
			IndexName:                aws.String(enabledIndexName),
			KeyConditionExpression:   aws.String("#enabled = :enabled"),
			ExpressionAttributeNames: map[string]string{"#enabled": "enabled"},
			ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
				":enabled": &dynamodbtypes.AttributeValueMemberS{Value: "true"},
			},
		})
		if err != nil {
			return nil, err
		}
		items = out.Items
	} else {
		out, err := m.ddbClient.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(m.table),
			FilterExpression: aws.String("begins_with(PK, :prefix) AND SK = :sk"),
			ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
				":prefix": &dynamodbtypes.AttributeValueMemberS{Value: "SCHEDULE#"},
				":sk":     &dynamodbtypes.AttributeValueMemberS{Value: "CONFIG"},
			},
		})
		if err != nil {
			return nil, err
		}
		items = out.Items
	}

	var schedules []Schedule
	if err := attributevalue.UnmarshalListOfMaps(items, &schedules); err != nil {
		return nil, err
	}
	if opts.ClusterName == "" && opts.NodegroupName == "" {
		return schedules, nil
	}

	filtered := schedules[:0]
	for _, s := range schedules {
		if opts.ClusterName != "" && s.Target.ClusterName != opts.ClusterName {
			continue
		}
		if opts.NodegroupName != "" && s.Target.NodegroupName != opts.NodegroupName {
			continue
		}
		filtered = append(filtered, s)
	}
	return filtered, nil
}

// Update SET-patches a schedule and returns the new state. The enabled bool
// is coerced to a "true"/"false" string for index compatibility.
func (m *Manager) Update(ctx context.Context, scheduleID string, in UpdateInput) (*Schedule, error) {
	if in.Recurrence != nil {
		if err := ValidateCron(*in.Recurrence); err != nil {
			return nil, &ValidationError{Reason: err.Error()}
		}
	}
	if in.TimeZone != nil {
		if _, err := time.LoadLocation(*in.TimeZone); err != nil {
			return nil, &ValidationError{Reason: fmt.Sprintf("invalid timezone %q", *in.TimeZone)}
		}
	}

	updateExpr := "SET #updated_at = :now"
	exprNames := map[string]string{"#updated_at": "updated_at"}
	exprValues := map[string]dynamodbtypes.AttributeValue{
		":now": &dynamodbtypes.AttributeValueMemberS{Value: m.nowFunc().UTC().Format(time.RFC3339)},
	}

	set := func(attr string, value dynamodbtypes.AttributeValue) {
		placeholder := "#attr_" + attr
		valuePlaceholder := ":val_" + attr
		updateExpr += ", " + placeholder + " = " + valuePlaceholder
		exprNames[placeholder] = attr
		exprValues[valuePlaceholder] = value
	}

	if in.Name != nil {
		set("name", &dynamodbtypes.AttributeValueMemberS{Value: *in.Name})
	}
	if in.Recurrence != nil {
		set("recurrence", &dynamodbtypes.AttributeValueMemberS{Value: *in.Recurrence})
	}
	if in.DesiredCapacity != nil {
		set("desired_capacity", &dynamodbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", *in.DesiredCapacity)})
	}
	if in.MinSize != nil {
		set("min_size", &dynamodbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", *in.MinSize)})
	}
	if in.MaxSize != nil {
		set("max_size", &dynamodbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", *in.MaxSize)})
	}
	if in.TimeZone != nil {
		set("time_zone", &dynamodbtypes.AttributeValueMemberS{Value: *in.TimeZone})
	}
	if in.StartDate != nil {
		set("start_date", &dynamodbtypes.AttributeValueMemberS{Value: *in.StartDate})
	}
	if in.StartTime != nil {
		set("start_time", &dynamodbtypes.AttributeValueMemberS{Value: *in.StartTime})
	}
	if in.EndDate != nil {
		set("end_date", &dynamodbtypes.AttributeValueMemberS{Value: *in.EndDate})
	}
	if in.EndTime != nil {
		set("end_time", &dynamodbtypes.AttributeValueMemberS{Value: *in.EndTime})
	}
	if in.Enabled != nil {
		enabled := "false"
		if *in.Enabled {
			enabled = "true"
		}
		set("enabled", &dynamodbtypes.AttributeValueMemberS{Value: enabled})
	}
	if in.PausedUntil != nil {
		set("paused_until", &dynamodbtypes.AttributeValueMemberS{Value: *in.PausedUntil})
	}

	out, err := m.ddbClient.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(m.table),
		Key:                       scheduleKey(scheduleID),
		UpdateExpression:          aws.String(updateExpr),
		ExpressionAttributeNames:  exprNames,
		ExpressionAttributeValues: exprValues,
		ReturnValues:              dynamodbtypes.ReturnValueAllNew,
	})
	if err != nil {
		return nil, err
	}
	var sched Schedule
	if err := attributevalue.UnmarshalMap(out.Attributes, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

// Delete soft-deletes a schedule by disabling it. History and the mapping
// row are kept.
func (m *Manager) Delete(ctx context.Context, scheduleID string) error {
	disabled := false
	_, err := m.Update(ctx, scheduleID, UpdateInput{Enabled: &disabled})
	return err
}

// Pause disables a schedule, optionally until a deadline after which the
// poller re-enables it.
func (m *Manager) Pause(ctx context.Context, scheduleID string, until *time.Time) (*Schedule, error) {
	disabled := false
	in := UpdateInput{Enabled: &disabled}
	if until != nil {
		iso := until.UTC().Format(time.RFC3339)
		in.PausedUntil = &iso
	}
	return m.Update(ctx, scheduleID, in)
}

// NextTriggerTime computes the schedule's next fire time in UTC. Returns the
// zero time when the schedule does not exist.
func (m *Manager) NextTriggerTime(ctx context.Context, scheduleID string) (time.Time, error) {
	sched, err := m.Get(ctx, scheduleID)
	if err != nil {
		return time.Time{}, err
	}
	if sched == nil || sched.Recurrence == "" {
		return time.Time{}, nil
	}
	return NextTrigger(sched.Recurrence, sched.TimeZone, m.nowFunc())
}

// History returns the most recent executions, newest first.
func (m *Manager) History(ctx context.Context, scheduleID string, limit int) ([]Execution, error) {
	out, err := m.ddbClient.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(m.table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":pk":     &dynamodbtypes.AttributeValueMemberS{Value: schedulePK(scheduleID)},
			":prefix": &dynamodbtypes.AttributeValueMemberS{Value: "EXEC#"},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, err
	}
	var executions []Execution
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &executions); err != nil {
		return nil, err
	}
	return executions, nil
}

// RecordExecution appends an execution entry to the schedule's history.
func (m *Manager) RecordExecution(ctx context.Context, scheduleID, action, operationID string, clustersCount int) error {
	now := m.nowFunc().UTC()
	nowISO := now.Format(time.RFC3339)
	item, err := attributevalue.MarshalMap(Execution{
		PK:            schedulePK(scheduleID),
		SK:            "EXEC#" + nowISO,
		ScheduleID:    scheduleID,
		Action:        action,
		OperationID:   operationID,
		ClustersCount: clustersCount,
		ExecutedAt:    nowISO,
		TTL:           now.Add(executionTTL).Unix(),
	})
	if err != nil {
		return err
	}
	_, err = m.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(m.table),
		Item:      item,
	})
	return err
}

func schedulePK(scheduleID string) string {
	return "SCHEDULE#" + scheduleID
}

func scheduleKey(scheduleID string) map[string]dynamodbtypes.AttributeValue {
	return map[string]dynamodbtypes.AttributeValue{
		"PK": &dynamodbtypes.AttributeValueMemberS{Value: schedulePK(scheduleID)},
		"SK": &dynamodbtypes.AttributeValueMemberS{Value: "CONFIG"},
	}
}
