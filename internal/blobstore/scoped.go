package blobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// iamAPI is the slice of the IAM client the issuer uses.
type iamAPI interface {
	CreateUser(ctx context.Context, in *iam.CreateUserInput, opts ...func(*iam.Options)) (*iam.CreateUserOutput, error)
	DeleteUser(ctx context.Context, in *iam.DeleteUserInput, opts ...func(*iam.Options)) (*iam.DeleteUserOutput, error)
	CreatePolicy(ctx context.Context, in *iam.CreatePolicyInput, opts ...func(*iam.Options)) (*iam.CreatePolicyOutput, error)
	DeletePolicy(ctx context.Context, in *iam.DeletePolicyInput, opts ...func(*iam.Options)) (*iam.DeletePolicyOutput, error)
	AttachUserPolicy(ctx context.Context, in *iam.AttachUserPolicyInput, opts ...func(*iam.Options)) (*iam.AttachUserPolicyOutput, error)
	DetachUserPolicy(ctx context.Context, in *iam.DetachUserPolicyInput, opts ...func(*iam.Options)) (*iam.DetachUserPolicyOutput, error)
	CreateAccessKey(ctx context.Context, in *iam.CreateAccessKeyInput, opts ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error)
	DeleteAccessKey(ctx context.Context, in *iam.DeleteAccessKeyInput, opts ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error)
	ListAccessKeys(ctx context.Context, in *iam.ListAccessKeysInput, opts ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
}

// ScopedCredentials is a write-only key pair scoped to one tenant's
// recording prefix; handed to provider-B for direct uploads.
type ScopedCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	PolicyARN       string
	UserName        string
}

// writeOnlyPolicy grants PutObject on the tenant bucket and nothing
// else.
const writeOnlyPolicy = `{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Action": ["s3:PutObject"],
      "Resource": "arn:aws:s3:::%s/*"
    }
  ]
}`

// CredentialIssuer provisions and revokes scoped IAM credentials.
// Revocations that partially fail stay queued and are retried by
// Janitor.
type CredentialIssuer struct {
	iam iamAPI
	log *slog.Logger

	mu      sync.Mutex
	pending map[string]ScopedCredentials // tenant -> half-revoked credentials
}

func NewCredentialIssuer(client iamAPI, log *slog.Logger) *CredentialIssuer {
	if log == nil {
		log = slog.Default()
	}
	return &CredentialIssuer{
		iam:     client,
		log:     log,
		pending: map[string]ScopedCredentials{},
	}
}

func scopedUserName(tenantID string) string   { return "pipeline-" + tenantID + "-uploader" }
func scopedPolicyName(tenantID string) string { return "pipeline-" + tenantID + "-write-only" }

// Issue creates the user, the write-only policy limited to the bucket,
// attaches it, and mints an access key, in that order. A failure
// mid-sequence is handed to the revoke path so the janitor cleans up
// the partial state.
func (ci *CredentialIssuer) Issue(ctx context.Context, tenantID, bucket string) (ScopedCredentials, error) {
	creds := ScopedCredentials{UserName: scopedUserName(tenantID)}

	if _, err := ci.iam.CreateUser(ctx, &iam.CreateUserInput{
		UserName: aws.String(creds.UserName),
	}); err != nil {
		return ScopedCredentials{}, fmt.Errorf("create user: %w", err)
	}

	pol, err := ci.iam.CreatePolicy(ctx, &iam.CreatePolicyInput{
		PolicyName:     aws.String(scopedPolicyName(tenantID)),
		PolicyDocument: aws.String(fmt.Sprintf(writeOnlyPolicy, bucket)),
	})
	if err != nil {
		ci.enqueue(tenantID, creds)
		return ScopedCredentials{}, fmt.Errorf("create policy: %w", err)
	}
	creds.PolicyARN = aws.ToString(pol.Policy.Arn)

	if _, err := ci.iam.AttachUserPolicy(ctx, &iam.AttachUserPolicyInput{
		UserName:  aws.String(creds.UserName),
		PolicyArn: aws.String(creds.PolicyARN),
	}); err != nil {
		ci.enqueue(tenantID, creds)
		return ScopedCredentials{}, fmt.Errorf("attach policy: %w", err)
	}

	key, err := ci.iam.CreateAccessKey(ctx, &iam.CreateAccessKeyInput{
		UserName: aws.String(creds.UserName),
	})
	if err != nil {
		ci.enqueue(tenantID, creds)
		return ScopedCredentials{}, fmt.Errorf("create access key: %w", err)
	}
	creds.AccessKeyID = aws.ToString(key.AccessKey.AccessKeyId)
	creds.SecretAccessKey = aws.ToString(key.AccessKey.SecretAccessKey)
	return creds, nil
}

// Revoke tears down the scoped credentials in the reverse order of
// issuance: detach policy, delete access keys, delete policy, delete
// user. On partial failure the remainder is queued for the janitor.
func (ci *CredentialIssuer) Revoke(ctx context.Context, tenantID string, creds ScopedCredentials) error {
	if err := ci.revokeOnce(ctx, creds); err != nil {
		ci.log.Warn("scoped credential revoke incomplete, queued for janitor",
			"tenant", tenantID, "err", err)
		ci.enqueue(tenantID, creds)
		return err
	}
	ci.mu.Lock()
	delete(ci.pending, tenantID)
	ci.mu.Unlock()
	return nil
}

func (ci *CredentialIssuer) revokeOnce(ctx context.Context, creds ScopedCredentials) error {
	if creds.PolicyARN != "" {
		if _, err := ci.iam.DetachUserPolicy(ctx, &iam.DetachUserPolicyInput{
			UserName:  aws.String(creds.UserName),
			PolicyArn: aws.String(creds.PolicyARN),
		}); err != nil && !isIAMNotFound(err) {
			return fmt.Errorf("detach policy: %w", err)
		}
	}

	keys, err := ci.iam.ListAccessKeys(ctx, &iam.ListAccessKeysInput{
		UserName: aws.String(creds.UserName),
	})
	if err != nil && !isIAMNotFound(err) {
		return fmt.Errorf("list access keys: %w", err)
	}
	if keys != nil {
		for _, k := range keys.AccessKeyMetadata {
			if _, err := ci.iam.DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{
				UserName:    aws.String(creds.UserName),
				AccessKeyId: k.AccessKeyId,
			}); err != nil && !isIAMNotFound(err) {
				return fmt.Errorf("delete access key: %w", err)
			}
		}
	}

	if creds.PolicyARN != "" {
		if _, err := ci.iam.DeletePolicy(ctx, &iam.DeletePolicyInput{
			PolicyArn: aws.String(creds.PolicyARN),
		}); err != nil && !isIAMNotFound(err) {
			return fmt.Errorf("delete policy: %w", err)
		}
	}

	if _, err := ci.iam.DeleteUser(ctx, &iam.DeleteUserInput{
		UserName: aws.String(creds.UserName),
	}); err != nil && !isIAMNotFound(err) {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (ci *CredentialIssuer) enqueue(tenantID string, creds ScopedCredentials) {
	ci.mu.Lock()
	ci.pending[tenantID] = creds
	ci.mu.Unlock()
}

// Janitor retries queued partial revocations. Returns how many were
// completed.
func (ci *CredentialIssuer) Janitor(ctx context.Context) int {
	ci.mu.Lock()
	queued := make(map[string]ScopedCredentials, len(ci.pending))
	for k, v := range ci.pending {
		queued[k] = v
	}
	ci.mu.Unlock()

	done := 0
	for tenantID, creds := range queued {
		if err := ci.revokeOnce(ctx, creds); err != nil {
			ci.log.Warn("janitor revoke retry failed", "tenant", tenantID, "err", err)
			continue
		}
		ci.mu.Lock()
		delete(ci.pending, tenantID)
		ci.mu.Unlock()
		done++
	}
	return done
}

// PendingRevocations reports the janitor backlog size.
func (ci *CredentialIssuer) PendingRevocations() int {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return len(ci.pending)
}

// isIAMNotFound means the entity is already gone; revocation treats
// that as success so retries converge.
func isIAMNotFound(err error) bool {
	var notFound *iamtypes.NoSuchEntityException
	return errors.As(err, &notFound)
}
