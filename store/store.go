/*
Copyright © 2026 the Riverine authors.
This file is part of Riverine.

Riverine is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

Riverine is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with Riverine.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package store publishes routed discharge artifacts to the configured
// artifact store and primes the store's view of a forecast cycle. Stores are
// addressed by URL: file://, gs://, and s3:// open a blob storage bucket,
// while http:// and https:// talk to a CKAN-style data catalog API.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"
)

// A Store publishes run artifacts for a forecast cycle.
type Store interface {
	// UploadResource publishes the file at local under the logical
	// resource name, retrying once automatically on failure. When both
	// attempts fail it returns an *UploadFailure and the local artifact
	// is retained on disk.
	UploadResource(ctx context.Context, local, resource string) error

	// InitializeRun records that a forecast cycle for the watershed is
	// beginning, so downstream consumers can discover the run before
	// results arrive.
	InitializeRun(ctx context.Context, watershed string, issue time.Time) error

	// SyncInputs refreshes the local routing input tree under dir from
	// the store.
	SyncInputs(ctx context.Context, dir string) error
}

// Open returns the artifact store addressed by storeURL. apiKey is only
// used by HTTP catalogs; instanceID namespaces everything this deployment
// publishes.
func Open(ctx context.Context, storeURL, apiKey, instanceID string) (Store, error) {
	u, err := url.Parse(storeURL)
	if err != nil {
		return nil, fmt.Errorf("store: parsing store URL %s: %v", storeURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		return &CKAN{URL: storeURL, APIKey: apiKey, InstanceID: instanceID}, nil
	case "file", "gs", "s3":
		bucket, err := OpenBucket(ctx, storeURL)
		if err != nil {
			return nil, err
		}
		return &BlobStore{Bucket: bucket, InstanceID: instanceID}, nil
	default:
		return nil, fmt.Errorf("store: invalid store URL %s", storeURL)
	}
}

// ResourceName returns the logical name an artifact is published under:
// instance, watershed, subbasin, issue date-timestep, and ensemble member.
func ResourceName(instanceID, watershed, subbasin, dateTimestep string, ensemble int) string {
	return fmt.Sprintf("%s-%s-%s-%s-%d", instanceID, watershed, subbasin, dateTimestep, ensemble)
}

// An UploadFailure reports an artifact that could not be published after the
// automatic retry.
type UploadFailure struct {
	Resource string
	Err      error
}

func (e *UploadFailure) Error() string {
	return fmt.Sprintf("store: upload of %s failed: %v", e.Resource, e.Err)
}

// withRetry runs op with exactly one automatic retry.
func withRetry(ctx context.Context, log logrus.FieldLogger, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
	return backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		log.WithFields(logrus.Fields{
			"error": err,
			"wait":  d,
		}).Warn("upload failed; retrying")
	})
}

// runRecord is the document published when a cycle begins.
type runRecord struct {
	InstanceID  string    `json:"app_instance_id"`
	Watershed   string    `json:"watershed"`
	Issue       time.Time `json:"issue"`
	Initialized time.Time `json:"initialized"`
}

// BlobStore publishes artifacts to a blob storage bucket.
type BlobStore struct {
	Bucket     *blob.Bucket
	InstanceID string
	Log        logrus.FieldLogger
}

// UploadResource copies the file at local to
// results/<resource>/<basename>.
func (s *BlobStore) UploadResource(ctx context.Context, local, resource string) error {
	log := s.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	key := path.Join("results", resource, filepath.Base(local))
	op := func() error {
		f, err := os.Open(local)
		if err != nil {
			return fmt.Errorf("store: opening %s: %v", local, err)
		}
		defer f.Close()
		return writeBlob(ctx, s.Bucket, key, f)
	}
	if err := withRetry(ctx, log.WithField("resource", resource), op); err != nil {
		return &UploadFailure{Resource: resource, Err: err}
	}
	log.WithFields(logrus.Fields{
		"resource": resource,
		"blob":     key,
	}).Info("artifact uploaded")
	return nil
}

// InitializeRun writes runs/<instance>/<watershed>/<issue>.json.
func (s *BlobStore) InitializeRun(ctx context.Context, watershed string, issue time.Time) error {
	b, err := json.Marshal(runRecord{
		InstanceID:  s.InstanceID,
		Watershed:   watershed,
		Issue:       issue.UTC(),
		Initialized: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("store: encoding run record: %v", err)
	}
	key := path.Join("runs", s.InstanceID, watershed, issue.UTC().Format("20060102.1504")+".json")
	return writeBlob(ctx, s.Bucket, key, bytes.NewReader(b))
}

// writeBlob writes the given data to the given bucket.
func writeBlob(ctx context.Context, bucket *blob.Bucket, key string, data io.Reader) error {
	w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{})
	if err != nil {
		return fmt.Errorf("store: creating writer for blob %s: %v", key, err)
	}
	if _, err := io.Copy(w, data); err != nil {
		w.Close()
		return fmt.Errorf("store: copying blob %s: %v", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("store: writing blob %s: %v", key, err)
	}
	return nil
}

// CKAN publishes artifacts to a CKAN-style data catalog over HTTP.
type CKAN struct {
	// URL is the catalog root, e.g. https://data.example.gov.
	URL string

	// APIKey is sent in the Authorization header of every request.
	APIKey string

	InstanceID string

	// Client defaults to http.DefaultClient.
	Client *http.Client

	Log logrus.FieldLogger
}

func (s *CKAN) client() *http.Client {
	if s.Client == nil {
		return http.DefaultClient
	}
	return s.Client
}

// UploadResource POSTs a multipart resource_create call with the file
// attached.
func (s *CKAN) UploadResource(ctx context.Context, local, resource string) error {
	log := s.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	op := func() error { return s.createResource(ctx, local, resource) }
	if err := withRetry(ctx, log.WithField("resource", resource), op); err != nil {
		return &UploadFailure{Resource: resource, Err: err}
	}
	log.WithFields(logrus.Fields{
		"resource": resource,
		"file":     filepath.Base(local),
	}).Info("artifact uploaded")
	return nil
}

func (s *CKAN) createResource(ctx context.Context, local, resource string) error {
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("store: opening %s: %v", local, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("package_id", resource); err != nil {
		return fmt.Errorf("store: building resource_create request: %v", err)
	}
	if err := mw.WriteField("name", filepath.Base(local)); err != nil {
		return fmt.Errorf("store: building resource_create request: %v", err)
	}
	fw, err := mw.CreateFormFile("upload", filepath.Base(local))
	if err != nil {
		return fmt.Errorf("store: building resource_create request: %v", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return fmt.Errorf("store: reading %s: %v", local, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("store: building resource_create request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.URL+"/api/action/resource_create", &body)
	if err != nil {
		return fmt.Errorf("store: building resource_create request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", s.APIKey)
	resp, err := s.client().Do(req)
	if err != nil {
		return fmt.Errorf("store: calling catalog: %v", err)
	}
	defer resp.Body.Close()
	return checkResponse(resp)
}

// InitializeRun creates a catalog package for the cycle. A conflict means a
// previous invocation already created it, which is not an error.
func (s *CKAN) InitializeRun(ctx context.Context, watershed string, issue time.Time) error {
	log := s.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	name := fmt.Sprintf("%s-%s-%s", s.InstanceID, watershed, issue.UTC().Format("20060102.1504"))
	body, err := json.Marshal(struct {
		Name string `json:"name"`
		runRecord
	}{
		Name: name,
		runRecord: runRecord{
			InstanceID:  s.InstanceID,
			Watershed:   watershed,
			Issue:       issue.UTC(),
			Initialized: time.Now().UTC(),
		},
	})
	if err != nil {
		return fmt.Errorf("store: encoding run record: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.URL+"/api/action/package_create", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("store: building package_create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", s.APIKey)
	resp, err := s.client().Do(req)
	if err != nil {
		return fmt.Errorf("store: calling catalog: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		log.WithFields(logrus.Fields{"run": name}).Info("run already initialized")
		return nil
	}
	return checkResponse(resp)
}

// checkResponse surfaces catalog API errors.
func checkResponse(resp *http.Response) error {
	var r struct {
		Success bool            `json:"success"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("store: %s from catalog: decoding response: %v", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK || !r.Success {
		return fmt.Errorf("store: %s from catalog: %s", resp.Status, r.Error)
	}
	return nil
}
