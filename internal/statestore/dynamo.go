package statestore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	goerrors "github.com/pkg/errors"

	"github.com/walkai-org/walkai-api/internal/constants"
	"github.com/walkai-org/walkai-api/internal/errs"
	"github.com/walkai-org/walkai-api/internal/lease"
)

// DynamoStore keeps lease and claim records in one table keyed by pk.
// Conditional writes use attribute_not_exists / version condition
// expressions; the claim put and the lease put run in a single transaction so
// a partition can never be double-claimed across replicas.
//
// Table layout: pk (S, partition key), record (S, lease JSON), version (N),
// lease_id (S, claims only), expires_at (N, epoch seconds, the table's TTL
// attribute as a safety net behind the reconciler's own GC).
type DynamoStore struct {
	client    *dynamodb.Client
	table     string
	recordTTL time.Duration
}

func NewDynamoStore(client *dynamodb.Client, table string, recordTTL time.Duration) *DynamoStore {
	return &DynamoStore{client: client, table: table, recordTTL: recordTTL}
}

func (s *DynamoStore) expiresAt() string {
	return strconv.FormatInt(time.Now().Add(s.recordTTL).Unix(), 10)
}

func (s *DynamoStore) Get(ctx context.Context, id string) (*lease.Lease, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            pkKey(leaseKey(id)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, translate(err, "dynamodb get lease %s", id)
	}
	if out.Item == nil {
		return nil, errs.NotFound("lease %s", id)
	}
	return itemToLease(out.Item)
}

func (s *DynamoStore) Create(ctx context.Context, l *lease.Lease) error {
	l.Version = 1
	leaseItem, err := leaseToItem(l, s.expiresAt())
	if err != nil {
		return err
	}
	claimItem := map[string]ddbtypes.AttributeValue{
		"pk":         &ddbtypes.AttributeValueMemberS{Value: claimKey(l.Partition)},
		"lease_id":   &ddbtypes.AttributeValueMemberS{Value: l.ID},
		"expires_at": &ddbtypes.AttributeValueMemberN{Value: s.expiresAt()},
	}
	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []ddbtypes.TransactWriteItem{
			{Put: &ddbtypes.Put{
				TableName:           aws.String(s.table),
				Item:                claimItem,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
			{Put: &ddbtypes.Put{
				TableName:           aws.String(s.table),
				Item:                leaseItem,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
		},
	})
	if err != nil {
		var canceled *ddbtypes.TransactionCanceledException
		if goerrors.As(err, &canceled) {
			for _, reason := range canceled.CancellationReasons {
				if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
					return errs.Contention("partition %s already claimed", l.Partition)
				}
			}
		}
		return translate(err, "dynamodb create lease %s", l.ID)
	}
	return nil
}

func (s *DynamoStore) Update(ctx context.Context, l *lease.Lease) error {
	next := l.Clone()
	next.Version = l.Version + 1
	item, err := leaseToItem(next, s.expiresAt())
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("version = :v"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":v": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(l.Version, 10)},
		},
	})
	if err != nil {
		var condFailed *ddbtypes.ConditionalCheckFailedException
		if goerrors.As(err, &condFailed) {
			if _, getErr := s.Get(ctx, l.ID); errs.IsNotFound(getErr) {
				return getErr
			}
			return errs.Contention("lease %s version %d is stale", l.ID, l.Version)
		}
		return translate(err, "dynamodb update lease %s", l.ID)
	}
	l.Version = next.Version
	return nil
}

func (s *DynamoStore) ReleaseClaim(ctx context.Context, partition, leaseID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 pkKey(claimKey(partition)),
		ConditionExpression: aws.String("lease_id = :id"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":id": &ddbtypes.AttributeValueMemberS{Value: leaseID},
		},
	})
	if err != nil {
		var condFailed *ddbtypes.ConditionalCheckFailedException
		if goerrors.As(err, &condFailed) {
			// claim gone or held by a newer lease, nothing to release
			return nil
		}
		return translate(err, "dynamodb release claim %s", partition)
	}
	return nil
}

func (s *DynamoStore) Delete(ctx context.Context, id string) error {
	l, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.ReleaseClaim(ctx, l.Partition, id); err != nil {
		return err
	}
	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       pkKey(leaseKey(id)),
	})
	if err != nil {
		return translate(err, "dynamodb delete lease %s", id)
	}
	return nil
}

func (s *DynamoStore) List(ctx context.Context) ([]*lease.Lease, error) {
	var out []*lease.Lease
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.table),
		FilterExpression: aws.String("begins_with(pk, :p)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":p": &ddbtypes.AttributeValueMemberS{Value: constants.LeaseKeyPrefix},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, translate(err, "dynamodb scan leases")
		}
		for _, item := range page.Items {
			l, err := itemToLease(item)
			if err != nil {
				return nil, err
			}
			out = append(out, l)
		}
	}
	return out, nil
}

// Now returns local UTC time. DynamoDB exposes no server clock; the expiry
// windows here are tens of seconds, well above NTP-level skew.
func (s *DynamoStore) Now(_ context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

func (s *DynamoStore) SetCache(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]ddbtypes.AttributeValue{
			"pk":         &ddbtypes.AttributeValueMemberS{Value: key},
			"record":     &ddbtypes.AttributeValueMemberB{Value: val},
			"expires_at": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Add(ttl).Unix(), 10)},
		},
	})
	if err != nil {
		return translate(err, "dynamodb set cache %s", key)
	}
	return nil
}

func (s *DynamoStore) GetCache(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       pkKey(key),
	})
	if err != nil {
		return nil, translate(err, "dynamodb get cache %s", key)
	}
	if out.Item == nil {
		return nil, errs.NotFound("cache key %s", key)
	}
	if expires, ok := out.Item["expires_at"].(*ddbtypes.AttributeValueMemberN); ok {
		epoch, _ := strconv.ParseInt(expires.Value, 10, 64)
		if time.Now().Unix() > epoch {
			return nil, errs.NotFound("cache key %s", key)
		}
	}
	record, ok := out.Item["record"].(*ddbtypes.AttributeValueMemberB)
	if !ok {
		return nil, errs.NotFound("cache key %s", key)
	}
	return record.Value, nil
}

func (s *DynamoStore) Healthy(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err != nil {
		return translate(err, "dynamodb describe table %s", s.table)
	}
	return nil
}

func pkKey(pk string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"pk": &ddbtypes.AttributeValueMemberS{Value: pk},
	}
}

type leaseItem struct {
	PK        string `dynamodbav:"pk"`
	Record    []byte `dynamodbav:"record"`
	Version   int64  `dynamodbav:"version"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

func leaseToItem(l *lease.Lease, expiresAt string) (map[string]ddbtypes.AttributeValue, error) {
	raw, err := json.Marshal(l)
	if err != nil {
		return nil, goerrors.Wrap(err, "encode lease record")
	}
	epoch, err := strconv.ParseInt(expiresAt, 10, 64)
	if err != nil {
		return nil, goerrors.Wrap(err, "parse expiry epoch")
	}
	item, err := attributevalue.MarshalMap(leaseItem{
		PK:        leaseKey(l.ID),
		Record:    raw,
		Version:   l.Version,
		ExpiresAt: epoch,
	})
	if err != nil {
		return nil, goerrors.Wrap(err, "marshal lease item")
	}
	return item, nil
}

func itemToLease(item map[string]ddbtypes.AttributeValue) (*lease.Lease, error) {
	var stored leaseItem
	if err := attributevalue.UnmarshalMap(item, &stored); err != nil {
		return nil, goerrors.Wrap(err, "unmarshal lease item")
	}
	if len(stored.Record) == 0 {
		return nil, errs.Drift("lease item missing record attribute")
	}
	return decodeLease(stored.Record)
}
