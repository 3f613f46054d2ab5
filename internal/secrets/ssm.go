package secrets

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSMAPI is the subset of the SSM client used by the store.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSM reads parameters from AWS Systems Manager Parameter Store.
type SSM struct {
	Client SSMAPI
}

// NewSSM builds an SSM-backed store using the default AWS credential chain.
func NewSSM(ctx context.Context) (SSM, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return SSM{}, fmt.Errorf("secrets: load aws config: %w", err)
	}
	return SSM{Client: ssm.NewFromConfig(cfg)}, nil
}

// Get fetches a single parameter. SecureString parameters need decrypt=true;
// plain String parameters are fetched without decryption.
func (s SSM) Get(ctx context.Context, name string, decrypt bool) (string, error) {
	if s.Client == nil {
		return "", fmt.Errorf("secrets: ssm client not configured")
	}
	out, err := s.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(decrypt),
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get parameter %s: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("secrets: parameter %s has no value", name)
	}
	return *out.Parameter.Value, nil
}
