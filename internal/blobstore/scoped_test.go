package blobstore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

type fakeIAM struct {
	users    map[string]bool
	policies map[string]string // arn -> document
	attached map[string]string // user -> policy arn
	keys     map[string][]string

	failAttach bool
	failDetach bool
}

func newFakeIAM() *fakeIAM {
	return &fakeIAM{
		users:    map[string]bool{},
		policies: map[string]string{},
		attached: map[string]string{},
		keys:     map[string][]string{},
	}
}

func (f *fakeIAM) CreateUser(ctx context.Context, in *iam.CreateUserInput, opts ...func(*iam.Options)) (*iam.CreateUserOutput, error) {
	f.users[*in.UserName] = true
	return &iam.CreateUserOutput{}, nil
}

func (f *fakeIAM) DeleteUser(ctx context.Context, in *iam.DeleteUserInput, opts ...func(*iam.Options)) (*iam.DeleteUserOutput, error) {
	if !f.users[*in.UserName] {
		return nil, &iamtypes.NoSuchEntityException{}
	}
	delete(f.users, *in.UserName)
	return &iam.DeleteUserOutput{}, nil
}

func (f *fakeIAM) CreatePolicy(ctx context.Context, in *iam.CreatePolicyInput, opts ...func(*iam.Options)) (*iam.CreatePolicyOutput, error) {
	arn := "arn:aws:iam::000000000000:policy/" + *in.PolicyName
	f.policies[arn] = *in.PolicyDocument
	return &iam.CreatePolicyOutput{Policy: &iamtypes.Policy{Arn: aws.String(arn)}}, nil
}

func (f *fakeIAM) DeletePolicy(ctx context.Context, in *iam.DeletePolicyInput, opts ...func(*iam.Options)) (*iam.DeletePolicyOutput, error) {
	if _, ok := f.policies[*in.PolicyArn]; !ok {
		return nil, &iamtypes.NoSuchEntityException{}
	}
	delete(f.policies, *in.PolicyArn)
	return &iam.DeletePolicyOutput{}, nil
}

func (f *fakeIAM) AttachUserPolicy(ctx context.Context, in *iam.AttachUserPolicyInput, opts ...func(*iam.Options)) (*iam.AttachUserPolicyOutput, error) {
	if f.failAttach {
		return nil, errors.New("attach denied")
	}
	f.attached[*in.UserName] = *in.PolicyArn
	return &iam.AttachUserPolicyOutput{}, nil
}

func (f *fakeIAM) DetachUserPolicy(ctx context.Context, in *iam.DetachUserPolicyInput, opts ...func(*iam.Options)) (*iam.DetachUserPolicyOutput, error) {
	if f.failDetach {
		return nil, errors.New("detach denied")
	}
	delete(f.attached, *in.UserName)
	return &iam.DetachUserPolicyOutput{}, nil
}

func (f *fakeIAM) CreateAccessKey(ctx context.Context, in *iam.CreateAccessKeyInput, opts ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error) {
	f.keys[*in.UserName] = append(f.keys[*in.UserName], "AKIAFAKE")
	return &iam.CreateAccessKeyOutput{AccessKey: &iamtypes.AccessKey{
		AccessKeyId:     aws.String("AKIAFAKE"),
		SecretAccessKey: aws.String("secret"),
	}}, nil
}

func (f *fakeIAM) DeleteAccessKey(ctx context.Context, in *iam.DeleteAccessKeyInput, opts ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error) {
	delete(f.keys, *in.UserName)
	return &iam.DeleteAccessKeyOutput{}, nil
}

func (f *fakeIAM) ListAccessKeys(ctx context.Context, in *iam.ListAccessKeysInput, opts ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error) {
	var meta []iamtypes.AccessKeyMetadata
	for _, id := range f.keys[*in.UserName] {
		meta = append(meta, iamtypes.AccessKeyMetadata{AccessKeyId: aws.String(id)})
	}
	return &iam.ListAccessKeysOutput{AccessKeyMetadata: meta}, nil
}

func TestIssueScopedCredentials(t *testing.T) {
	f := newFakeIAM()
	ci := NewCredentialIssuer(f, nil)

	creds, err := ci.Issue(context.Background(), "t1", "recordings-t1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		t.Fatalf("creds = %+v", creds)
	}
	doc := f.policies[creds.PolicyARN]
	if !strings.Contains(doc, "recordings-t1") || !strings.Contains(doc, "s3:PutObject") {
		t.Fatalf("policy = %s", doc)
	}
	if strings.Contains(doc, "GetObject") {
		t.Fatal("policy is not write-only")
	}
	if f.attached[creds.UserName] != creds.PolicyARN {
		t.Fatal("policy not attached")
	}
}

func TestIssueFailureQueuesCleanup(t *testing.T) {
	f := newFakeIAM()
	f.failAttach = true
	ci := NewCredentialIssuer(f, nil)

	if _, err := ci.Issue(context.Background(), "t1", "recordings-t1"); err == nil {
		t.Fatal("expected error")
	}
	if ci.PendingRevocations() != 1 {
		t.Fatalf("pending = %d, want 1", ci.PendingRevocations())
	}
	f.failAttach = false
	if done := ci.Janitor(context.Background()); done != 1 {
		t.Fatalf("janitor = %d, want 1", done)
	}
	if len(f.users) != 0 || len(f.policies) != 0 {
		t.Fatalf("orphans left: users=%v policies=%v", f.users, f.policies)
	}
}

func TestRevokePartialFailureRetriedByJanitor(t *testing.T) {
	f := newFakeIAM()
	ci := NewCredentialIssuer(f, nil)
	creds, err := ci.Issue(context.Background(), "t1", "recordings-t1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	f.failDetach = true
	if err := ci.Revoke(context.Background(), "t1", creds); err == nil {
		t.Fatal("expected revoke error")
	}
	if ci.PendingRevocations() != 1 {
		t.Fatalf("pending = %d", ci.PendingRevocations())
	}

	f.failDetach = false
	if done := ci.Janitor(context.Background()); done != 1 {
		t.Fatalf("janitor = %d", done)
	}
	if ci.PendingRevocations() != 0 {
		t.Fatal("backlog not cleared")
	}
	if len(f.users) != 0 || len(f.policies) != 0 || len(f.keys) != 0 {
		t.Fatal("remote state not fully revoked")
	}
}

func TestRevokeCleanState(t *testing.T) {
	f := newFakeIAM()
	ci := NewCredentialIssuer(f, nil)
	creds, _ := ci.Issue(context.Background(), "t1", "recordings-t1")

	if err := ci.Revoke(context.Background(), "t1", creds); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if len(f.users) != 0 || len(f.policies) != 0 {
		t.Fatal("remote state left behind")
	}
}
