package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/majin1102/lance/blobstore"
)

// DDBClient is the narrow DynamoDB surface the committer needs.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DDBCommitter publishes manifest versions through a DynamoDB table, giving
// plain S3 buckets the compare-and-swap step that versioned commits require.
// The bucket keeps every manifest object; DynamoDB only arbitrates which
// writer owns each version number.
//
// Table schema:
//   - Partition key: base_uri (string)
//   - Sort key: version (number)
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name lance-commits \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCommitter struct {
	store     *Store
	ddb       DDBClient
	tableName string
	baseURI   string
}

// NewDDBCommitter returns a committer that writes manifest objects to store
// and records version ownership in the named DynamoDB table. baseURI is the
// "s3://bucket/prefix" form of the dataset root, used as the partition key.
func NewDDBCommitter(store *Store, ddb DDBClient, tableName, baseURI string) *DDBCommitter {
	return &DDBCommitter{
		store:     store,
		ddb:       ddb,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

// Publish writes the manifest payload and claims the version number. Exactly
// one writer per version succeeds; the rest get blobstore.ErrAlreadyExists.
//
// The payload lands at a staged path first so that a losing writer can never
// clobber the winner's manifest object. Only after the DynamoDB conditional
// put succeeds is the object copied to its final path.
func (c *DDBCommitter) Publish(ctx context.Context, version uint64, path string, payload []byte) error {
	staged := path + "-" + uuid.NewString()
	if err := c.store.Put(ctx, staged, payload); err != nil {
		return fmt.Errorf("stage manifest: %w", err)
	}

	_, err := c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri":      &types.AttributeValueMemberS{Value: c.baseURI},
			"version":       &types.AttributeValueMemberN{Value: strconv.FormatUint(version, 10)},
			"manifest_path": &types.AttributeValueMemberS{Value: staged},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		// Losing writer. Its staged object is unreferenced and swept later.
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return blobstore.ErrAlreadyExists
		}
		return fmt.Errorf("claim version %d: %w", version, err)
	}

	if err := c.store.Put(ctx, path, payload); err != nil {
		return fmt.Errorf("finalize manifest: %w", err)
	}
	// Best effort; the staged copy is redundant once the final object exists.
	_ = c.store.Delete(ctx, staged)
	return nil
}

// LatestVersion returns the highest committed version recorded in DynamoDB,
// or 0 when the table has no rows for this dataset. This is authoritative
// even when S3 listings lag behind recent writes.
func (c *DDBCommitter) LatestVersion(ctx context.Context) (uint64, error) {
	resp, err := c.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: c.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, fmt.Errorf("query latest version: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, nil
	}
	attr, ok := resp.Items[0]["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, errors.New("commit table row missing version attribute")
	}
	v, err := strconv.ParseUint(attr.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse version attribute: %w", err)
	}
	return v, nil
}

// Release drops the row for a version. Used when rolling back a dataset to
// an earlier version after a restore.
func (c *DDBCommitter) Release(ctx context.Context, version uint64) error {
	_, err := c.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: c.baseURI},
			"version":  &types.AttributeValueMemberN{Value: strconv.FormatUint(version, 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("release version %d: %w", version, err)
	}
	return nil
}
