package auth

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-sites/internal/xerrors"
)

// SSMAPI is the subset of *ssm.Client used here.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SecretFromSSM reads the token signing secret from a SecureString
// parameter.
func SecretFromSSM(ctx context.Context, client SSMAPI, name string) ([]byte, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", name)
	}

	secret := strings.TrimSpace(*out.Parameter.Value)
	if secret == "" {
		return nil, xerrors.Newf("SSM parameter %s is empty", name)
	}
	return []byte(secret), nil
}
