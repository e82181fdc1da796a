package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/avesa-io/avesa/pkg/logger"
)

// AWS resolves refs from AWS Secrets Manager. The ref is used as the
// secret name verbatim.
type AWS struct {
	client *secretsmanager.Client
	log    *slog.Logger
}

var _ Store = (*AWS)(nil)

// NewAWS creates the Secrets Manager provider using the default
// credential chain.
func NewAWS(ctx context.Context, region string, log *slog.Logger) (*AWS, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &AWS{
		client: secretsmanager.NewFromConfig(awsCfg),
		log:    log.With(logger.Scope("secrets.aws")),
	}, nil
}

func (a *AWS) Get(ctx context.Context, ref string) (Credentials, error) {
	out, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return Credentials{}, notResolvable(ref)
		}
		a.log.Error("failed to fetch secret", logger.Error(err), slog.String("ref", ref))
		return Credentials{}, notResolvable(ref)
	}

	var payload []byte
	switch {
	case out.SecretString != nil:
		payload = []byte(*out.SecretString)
	case out.SecretBinary != nil:
		payload = out.SecretBinary
	default:
		return Credentials{}, notResolvable(ref)
	}
	return decode(ref, payload)
}
