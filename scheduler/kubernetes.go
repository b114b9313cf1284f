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

package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	batch "k8s.io/api/batch/v1"
	core "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	batchclient "k8s.io/client-go/kubernetes/typed/batch/v1"
	"k8s.io/client-go/rest"
)

// Kubernetes runs jobs on a cluster as batch/v1 Jobs. Each job runs the
// unit argv in a container; Wait polls the job's conditions.
type Kubernetes struct {
	kubernetes.Interface
	jobControl batchclient.JobInterface

	// Image holds the container image to be used.
	// The default is "riverine/riverine:latest".
	Image string

	// Volumes specifies Kubernetes volumes to mount in the created
	// containers. Each volume is mounted writable at /data/volumeName;
	// the forecast IO root is expected to be among them.
	Volumes []core.Volume

	// NodeSelector restricts jobs to nodes carrying these labels.
	NodeSelector map[string]string

	// MemoryGB is the per-job memory request in gibibytes. Zero requests
	// nothing.
	MemoryGB int

	Log logrus.FieldLogger
}

// NewKubernetes creates a scheduler that submits to the given namespace,
// "riverine" when empty.
func NewKubernetes(k kubernetes.Interface, namespace string) *Kubernetes {
	if namespace == "" {
		namespace = "riverine"
	}
	return &Kubernetes{
		Interface:  k,
		jobControl: k.BatchV1().Jobs(namespace),
		Image:      "riverine/riverine:latest",
	}
}

// NewInClusterKubernetes creates a scheduler using the pod service account
// this process is running under.
func NewInClusterKubernetes(namespace string) (*Kubernetes, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("scheduler: reading in-cluster configuration: %v", err)
	}
	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("scheduler: creating cluster client: %v", err)
	}
	return NewKubernetes(client, namespace), nil
}

type k8sHandle struct {
	id   string
	name string
}

func (h *k8sHandle) JobID() string { return h.id }

// jobPhase is the scheduler's view of a Kubernetes job.
type jobPhase int

const (
	phaseMissing jobPhase = iota
	phaseWaiting
	phaseRunning
	phaseComplete
	phaseFailed
)

func (p jobPhase) String() string {
	switch p {
	case phaseMissing:
		return "missing"
	case phaseWaiting:
		return "waiting"
	case phaseRunning:
		return "running"
	case phaseComplete:
		return "complete"
	case phaseFailed:
		return "failed"
	}
	return fmt.Sprintf("<%d>", int(p))
}

var k8sNameDisallowed = regexp.MustCompile(`[^a-z0-9-]+`)

// jobName converts a work-unit id into a valid Kubernetes object name.
func jobName(id string) string {
	n := "riverine-" + k8sNameDisallowed.ReplaceAllString(strings.ToLower(id), "-")
	if len(n) > 63 {
		n = n[:63]
	}
	return strings.Trim(n, "-")
}

// Submit creates the job unless an earlier attempt is already queued,
// running, or complete. A failed earlier attempt is deleted and recreated.
func (k *Kubernetes) Submit(ctx context.Context, job Job) (Handle, error) {
	if len(job.Args) == 0 {
		return nil, fmt.Errorf("scheduler: job %s has no command", job.ID)
	}
	name := jobName(job.ID)
	h := &k8sHandle{id: job.ID, name: name}

	switch phase, _ := k.phase(name); phase {
	case phaseMissing:
	case phaseFailed:
		p := meta.DeletePropagationForeground
		err := k.jobControl.Delete(name, &meta.DeleteOptions{PropagationPolicy: &p})
		if err != nil && !apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("scheduler: deleting failed job %s: %v", name, err)
		}
	default:
		return h, nil
	}

	if _, err := k.jobControl.Create(k.createJob(name, job.Args)); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return h, nil
		}
		return nil, fmt.Errorf("scheduler: creating job %s: %v", name, err)
	}
	return h, nil
}

// Wait polls the job's conditions with exponential backoff until it
// completes or fails.
func (k *Kubernetes) Wait(ctx context.Context, h Handle) error {
	kh, ok := h.(*k8sHandle)
	if !ok {
		return fmt.Errorf("scheduler: foreign handle %T", h)
	}
	log := k.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // routing jobs can outlast any fixed deadline
	return backoff.RetryNotify(
		func() error {
			phase, msg := k.phase(kh.name)
			switch phase {
			case phaseComplete:
				return nil
			case phaseFailed:
				return backoff.Permanent(&JobFailure{ID: kh.id, Message: msg})
			case phaseMissing:
				return backoff.Permanent(fmt.Errorf("scheduler: job %s disappeared: %s", kh.name, msg))
			}
			return fmt.Errorf("scheduler: job %s still %s", kh.name, phase)
		},
		backoff.WithContext(b, ctx),
		func(err error, d time.Duration) {
			log.WithFields(logrus.Fields{
				"job":  kh.name,
				"wait": d,
			}).Debug("polling job status")
		},
	)
}

// phase returns the job's current phase, with the failure message when the
// job has failed.
func (k *Kubernetes) phase(name string) (jobPhase, string) {
	j, err := k.jobControl.Get(name, meta.GetOptions{})
	if err != nil {
		return phaseMissing, err.Error()
	}
	for i, cond := range j.Status.Conditions {
		if i != len(j.Status.Conditions)-1 {
			continue
		}
		if cond.Type == batch.JobComplete && cond.Status == core.ConditionTrue {
			return phaseComplete, ""
		}
		if cond.Type == batch.JobFailed && cond.Status == core.ConditionTrue {
			return phaseFailed, cond.Message
		}
	}
	if j.Status.Active > 0 {
		return phaseRunning, ""
	}
	return phaseWaiting, ""
}

// createJob builds a Kubernetes job specification that executes the given
// argument vector on the configured image. Failed pods are not restarted:
// the orchestrator owns retry policy.
func (k *Kubernetes) createJob(name string, args []string) *batch.Job {
	volumeMounts := make([]core.VolumeMount, len(k.Volumes))
	for i, v := range k.Volumes {
		volumeMounts[i] = core.VolumeMount{
			Name:      v.Name,
			MountPath: "/data/" + v.Name,
		}
	}
	var resources core.ResourceList
	if k.MemoryGB > 0 {
		resources = core.ResourceList{
			core.ResourceMemory: resource.MustParse(fmt.Sprintf("%dGi", k.MemoryGB)),
		}
	}
	noRetries := int32(0)

	return &batch.Job{
		TypeMeta: meta.TypeMeta{
			Kind:       "Job",
			APIVersion: "batch/v1",
		},
		ObjectMeta: meta.ObjectMeta{
			Name:   name,
			Labels: map[string]string{"app": "riverine"},
		},
		Spec: batch.JobSpec{
			BackoffLimit: &noRetries,
			Template: core.PodTemplateSpec{
				ObjectMeta: meta.ObjectMeta{
					Name:   name + "-pod",
					Labels: map[string]string{"app": "riverine"},
				},
				Spec: core.PodSpec{
					Containers: []core.Container{
						{
							Name:    "riverine-container",
							Image:   k.Image,
							Command: args[:1],
							Args:    args[1:],
							Resources: core.ResourceRequirements{
								Requests: resources,
							},
							VolumeMounts: volumeMounts,
						},
					},
					Volumes:       k.Volumes,
					NodeSelector:  k.NodeSelector,
					RestartPolicy: core.RestartPolicyNever,
				},
			},
		},
	}
}
