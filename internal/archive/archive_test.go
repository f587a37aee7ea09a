package archive_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/annoflow/internal/archive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelation_Roundtrip(t *testing.T) {
	id := uuid.New()
	enc := archive.EncodeCorrelation(id)
	assert.Equal(t, "key="+id.String(), enc)

	got, err := archive.DecodeCorrelation(enc)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestDecodeCorrelation_Invalid(t *testing.T) {
	for _, s := range []string{"", "job=abc", "key=not-a-uuid"} {
		_, err := archive.DecodeCorrelation(s)
		assert.ErrorIs(t, err, archive.ErrInvalidCorrelation, s)
	}
}

// fakeGlacier records calls and returns scripted errors.
type fakeGlacier struct {
	uploads    [][]byte
	initiated  []types.JobParameters
	deleted    []string
	initErrs   map[string]error // by tier
	deleteErr  error
	outputBody string
}

func (f *fakeGlacier) UploadArchive(_ context.Context, in *glacier.UploadArchiveInput, _ ...func(*glacier.Options)) (*glacier.UploadArchiveOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.uploads = append(f.uploads, b)
	return &glacier.UploadArchiveOutput{ArchiveId: aws.String(fmt.Sprintf("A%d", len(f.uploads)))}, nil
}

func (f *fakeGlacier) InitiateJob(_ context.Context, in *glacier.InitiateJobInput, _ ...func(*glacier.Options)) (*glacier.InitiateJobOutput, error) {
	f.initiated = append(f.initiated, *in.JobParameters)
	if err := f.initErrs[aws.ToString(in.JobParameters.Tier)]; err != nil {
		return nil, err
	}
	return &glacier.InitiateJobOutput{JobId: aws.String("T1")}, nil
}

func (f *fakeGlacier) GetJobOutput(_ context.Context, in *glacier.GetJobOutputInput, _ ...func(*glacier.Options)) (*glacier.GetJobOutputOutput, error) {
	return &glacier.GetJobOutputOutput{Body: io.NopCloser(bytes.NewReader([]byte(f.outputBody)))}, nil
}

func (f *fakeGlacier) DeleteArchive(_ context.Context, in *glacier.DeleteArchiveInput, _ ...func(*glacier.Options)) (*glacier.DeleteArchiveOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deleted = append(f.deleted, aws.ToString(in.ArchiveId))
	return &glacier.DeleteArchiveOutput{}, nil
}

func TestGlacier_Archive(t *testing.T) {
	fake := &fakeGlacier{}
	g := archive.NewGlacierWithClient(fake, "vault", "")

	ref, err := g.Archive(context.Background(), []byte("result"), "job")
	require.NoError(t, err)
	assert.Equal(t, "A1", ref)
	assert.Equal(t, []byte("result"), fake.uploads[0])
}

func TestGlacier_InitiateRetrieval(t *testing.T) {
	fake := &fakeGlacier{}
	g := archive.NewGlacierWithClient(fake, "vault", "arn:aws:sns:us-east-1:1:restore")
	id := uuid.New()

	ref, err := g.InitiateRetrieval(context.Background(), "A1", archive.TierExpedited, archive.EncodeCorrelation(id))
	require.NoError(t, err)
	assert.Equal(t, "T1", ref)

	require.Len(t, fake.initiated, 1)
	p := fake.initiated[0]
	assert.Equal(t, "archive-retrieval", aws.ToString(p.Type))
	assert.Equal(t, "A1", aws.ToString(p.ArchiveId))
	assert.Equal(t, "Expedited", aws.ToString(p.Tier))
	assert.Equal(t, "key="+id.String(), aws.ToString(p.Description))
	assert.Equal(t, "arn:aws:sns:us-east-1:1:restore", aws.ToString(p.SNSTopic))
}

func TestGlacier_CapacityExhaustedIsClassified(t *testing.T) {
	fake := &fakeGlacier{initErrs: map[string]error{
		"Expedited": &types.InsufficientCapacityException{Message: aws.String("no capacity")},
	}}
	g := archive.NewGlacierWithClient(fake, "vault", "")

	_, err := g.InitiateRetrieval(context.Background(), "A1", archive.TierExpedited, "key=x")
	assert.ErrorIs(t, err, archive.ErrCapacityExhausted)

	_, err = g.InitiateRetrieval(context.Background(), "A1", archive.TierStandard, "key=x")
	assert.NoError(t, err)
}

func TestGlacier_OtherErrorsAreNotCapacity(t *testing.T) {
	fake := &fakeGlacier{initErrs: map[string]error{"Expedited": errors.New("timeout")}}
	g := archive.NewGlacierWithClient(fake, "vault", "")

	_, err := g.InitiateRetrieval(context.Background(), "A1", archive.TierExpedited, "key=x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, archive.ErrCapacityExhausted)
}

func TestGlacier_RetrievalOutput(t *testing.T) {
	g := archive.NewGlacierWithClient(&fakeGlacier{outputBody: "thawed"}, "vault", "")

	rc, err := g.RetrievalOutput(context.Background(), "T1")
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "thawed", string(b))
}

func TestGlacier_DeleteMissingArchiveIsNoop(t *testing.T) {
	fake := &fakeGlacier{deleteErr: &types.ResourceNotFoundException{Message: aws.String("gone")}}
	g := archive.NewGlacierWithClient(fake, "vault", "")

	assert.NoError(t, g.DeleteArchive(context.Background(), "A1"))
}

func TestMemoryArchive(t *testing.T) {
	m := archive.NewMemoryArchive()
	ctx := context.Background()

	ref, err := m.Archive(ctx, []byte("data"), "")
	require.NoError(t, err)
	assert.True(t, m.Has(ref))

	m.ExpeditedExhausted = true
	_, err = m.InitiateRetrieval(ctx, ref, archive.TierExpedited, "key=x")
	assert.ErrorIs(t, err, archive.ErrCapacityExhausted)

	thaw, err := m.InitiateRetrieval(ctx, ref, archive.TierStandard, "key=x")
	require.NoError(t, err)
	r, ok := m.Retrieval(thaw)
	require.True(t, ok)
	assert.Equal(t, archive.TierStandard, r.Tier)

	rc, err := m.RetrievalOutput(ctx, thaw)
	require.NoError(t, err)
	b, _ := io.ReadAll(rc)
	assert.Equal(t, "data", string(b))

	require.NoError(t, m.DeleteArchive(ctx, ref))
	assert.Equal(t, 0, m.Len())
}
