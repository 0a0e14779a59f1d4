package artifact

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ExpiryRuleID names the lifecycle rule that ages out artifacts missed by scope cleanup.
const ExpiryRuleID = "media-analysis-artifact-expiry"

// LifecycleAPI is the subset of the S3 client used to manage bucket lifecycle rules.
type LifecycleAPI interface {
	GetBucketLifecycleConfiguration(ctx context.Context, in *s3.GetBucketLifecycleConfigurationInput, optFns ...func(*s3.Options)) (*s3.GetBucketLifecycleConfigurationOutput, error)
	PutBucketLifecycleConfiguration(ctx context.Context, in *s3.PutBucketLifecycleConfigurationInput, optFns ...func(*s3.Options)) (*s3.PutBucketLifecycleConfigurationOutput, error)
}

// EnsureExpiry installs (or updates) an expiration rule for prefix on bucket, keeping
// every other rule already configured there.
func EnsureExpiry(ctx context.Context, api LifecycleAPI, bucket, prefix string, days int) error {
	if days <= 0 {
		return nil
	}
	var rules []types.LifecycleRule
	out, err := api.GetBucketLifecycleConfiguration(ctx, &s3.GetBucketLifecycleConfigurationInput{Bucket: aws.String(bucket)})
	switch {
	case err == nil:
		for _, r := range out.Rules {
			if aws.ToString(r.ID) != ExpiryRuleID {
				rules = append(rules, r)
			}
		}
	case noLifecycle(err):
	default:
		return fmt.Errorf("read lifecycle of %s: %w", bucket, err)
	}

	rules = append(rules, expiryRule(prefix, days))
	_, err = api.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket:                 aws.String(bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{Rules: rules},
	})
	if err != nil {
		return fmt.Errorf("write lifecycle of %s: %w", bucket, err)
	}
	return nil
}

func expiryRule(prefix string, days int) types.LifecycleRule {
	if prefix != "" && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	return types.LifecycleRule{
		ID:         aws.String(ExpiryRuleID),
		Status:     types.ExpirationStatusEnabled,
		Filter:     &types.LifecycleRuleFilter{Prefix: aws.String(prefix)},
		Expiration: &types.LifecycleExpiration{Days: aws.Int32(int32(days))},
	}
}

func noLifecycle(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchLifecycleConfiguration"
}
