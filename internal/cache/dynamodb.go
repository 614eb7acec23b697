package cache

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-forecast-api/internal/models"
)

// DynamoAPI is the subset of *dynamodb.Client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// dynamoItem is the table layout. city_id is the partition key and ttl the table's TTL attribute.
type dynamoItem struct {
	CityID       string                 `dynamodbav:"city_id"`
	WeatherData  models.CityWeatherData `dynamodbav:"weather_data"`
	TTL          int64                  `dynamodbav:"ttl"`
	CachedAt     string                 `dynamodbav:"cached_at"`
	CacheVersion string                 `dynamodbav:"cache_version"`
}

// DynamoStore implements Store on a DynamoDB table.
type DynamoStore struct {
	api    DynamoAPI
	table  string
	region string
	opts   Options
}

// NewDynamoStore wraps an existing client.
func NewDynamoStore(api DynamoAPI, table, region string, opts Options) *DynamoStore {
	return &DynamoStore{api: api, table: table, region: region, opts: opts.withDefaults()}
}

// NewDynamoStoreFromConfig loads AWS credentials from the default chain for region.
func NewDynamoStoreFromConfig(ctx context.Context, table, region string, opts Options) (*DynamoStore, error) {
	if table == "" {
		return nil, fmt.Errorf("%w: dynamodb table name is required", models.ErrInvalidArgument)
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load AWS config: %w", ErrCacheConnection, err)
	}
	return NewDynamoStore(dynamodb.NewFromConfig(cfg), table, cfg.Region, opts), nil
}

func (s *DynamoStore) keyOf(cityID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"city_id": &types.AttributeValueMemberS{Value: cityID}}
}

// classifyDynamo maps SDK errors: a missing table or network failure is a connection error.
func classifyDynamo(op, cityID string, err error) error {
	var notFound *types.ResourceNotFoundException
	var netErr net.Error
	if errors.As(err, &notFound) || errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: dynamodb %s %s: %w", ErrCacheConnection, op, cityID, err)
	}
	return fmt.Errorf("%w: dynamodb %s %s: %w", ErrCacheOperation, op, cityID, err)
}

func unmarshalItem(av map[string]types.AttributeValue) (dynamoItem, error) {
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return dynamoItem{}, fmt.Errorf("%w: deserialize: %w", ErrCacheOperation, err)
	}
	return item, nil
}

// Get implements Store.Get.
func (s *DynamoStore) Get(ctx context.Context, cityID string) (models.CityWeatherData, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       s.keyOf(cityID),
	})
	if err != nil {
		err = classifyDynamo("get", cityID, err)
		recordGet(BackendDynamoDB, false, err)
		return models.CityWeatherData{}, false, err
	}
	if len(out.Item) == 0 {
		recordGet(BackendDynamoDB, false, nil)
		return models.CityWeatherData{}, false, nil
	}

	item, err := unmarshalItem(out.Item)
	if err != nil {
		recordGet(BackendDynamoDB, false, err)
		return models.CityWeatherData{}, false, err
	}
	now := s.opts.Now()
	if expired(item.TTL, now) {
		// DynamoDB TTL deletion lags by up to days, so expiry is enforced here too.
		if err := s.Delete(ctx, cityID); err != nil {
			s.opts.Logger.Warn("failed to delete expired cache entry", zap.String("city_id", cityID), zap.Error(err))
		}
		recordGet(BackendDynamoDB, false, nil)
		return models.CityWeatherData{}, false, nil
	}
	if err := validateStored(cityID, item.WeatherData, now); err != nil {
		recordGet(BackendDynamoDB, false, err)
		return models.CityWeatherData{}, false, err
	}
	recordGet(BackendDynamoDB, true, nil)
	return item.WeatherData, true, nil
}

// Set implements Store.Set.
func (s *DynamoStore) Set(ctx context.Context, data models.CityWeatherData) error {
	e := newEntry(data, s.opts.Now(), s.opts.TTL)
	av, err := attributevalue.MarshalMap(dynamoItem{
		CityID:       e.CityID,
		WeatherData:  e.WeatherData,
		TTL:          e.TTL,
		CachedAt:     e.CachedAt,
		CacheVersion: e.CacheVersion,
	})
	if err != nil {
		recordError(BackendDynamoDB, "set")
		return fmt.Errorf("%w: serialize %s: %w", ErrCacheOperation, data.CityID, err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		recordError(BackendDynamoDB, "set")
		return classifyDynamo("set", data.CityID, err)
	}
	return nil
}

// Delete implements Store.Delete.
func (s *DynamoStore) Delete(ctx context.Context, cityID string) error {
	if _, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.keyOf(cityID),
	}); err != nil {
		recordError(BackendDynamoDB, "delete")
		return classifyDynamo("delete", cityID, err)
	}
	return nil
}

// scan visits every page of the table.
func (s *DynamoStore) scan(ctx context.Context, in *dynamodb.ScanInput, visit func(map[string]types.AttributeValue)) error {
	p := dynamodb.NewScanPaginator(s.api, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return classifyDynamo("scan", "*", err)
		}
		for _, av := range page.Items {
			visit(av)
		}
	}
	return nil
}

// GetAll implements Store.GetAll in table scan order.
func (s *DynamoStore) GetAll(ctx context.Context) ([]models.CityWeatherData, error) {
	now := s.opts.Now()
	var out []models.CityWeatherData
	err := s.scan(ctx, &dynamodb.ScanInput{TableName: aws.String(s.table)}, func(av map[string]types.AttributeValue) {
		item, err := unmarshalItem(av)
		if err != nil {
			s.opts.Logger.Warn("skipping undecodable cache entry", zap.Error(err))
			return
		}
		if expired(item.TTL, now) {
			return
		}
		if err := validateStored(item.CityID, item.WeatherData, now); err != nil {
			s.opts.Logger.Warn("skipping invalid cache entry", zap.String("city_id", item.CityID), zap.Error(err))
			return
		}
		out = append(out, item.WeatherData)
	})
	if err != nil {
		recordError(BackendDynamoDB, "get_all")
		return nil, err
	}
	return out, nil
}

// ClearAll implements Store.ClearAll.
func (s *DynamoStore) ClearAll(ctx context.Context) (int, error) {
	var ids []string
	err := s.scan(ctx, &dynamodb.ScanInput{
		TableName:            aws.String(s.table),
		ProjectionExpression: aws.String("city_id"),
	}, func(av map[string]types.AttributeValue) {
		if v, ok := av["city_id"].(*types.AttributeValueMemberS); ok {
			ids = append(ids, v.Value)
		}
	})
	if err != nil {
		recordError(BackendDynamoDB, "clear_all")
		return 0, err
	}

	cleared := 0
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			s.opts.Logger.Warn("failed to clear cache entry", zap.String("city_id", id), zap.Error(err))
			continue
		}
		cleared++
	}
	s.opts.Logger.Info("cleared cache", zap.Int("entries", cleared))
	return cleared, nil
}

// Stats implements Store.Stats.
func (s *DynamoStore) Stats() map[string]interface{} {
	return map[string]interface{}{
		"backend":     BackendDynamoDB,
		"table":       s.table,
		"region":      s.region,
		"ttl_seconds": int64(s.opts.TTL.Seconds()),
	}
}
