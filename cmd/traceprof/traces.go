package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/julienschmidt/httprouter"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"gocloud.dev/gcerrors"

	"github.com/getsentry/traceprof/internal/httputil"
	"github.com/getsentry/traceprof/internal/ingest"
	"github.com/getsentry/traceprof/internal/pprofutil"
	"github.com/getsentry/traceprof/internal/profile"
	"github.com/getsentry/traceprof/internal/speedscope"
	"github.com/getsentry/traceprof/internal/storageutil"
	"github.com/getsentry/traceprof/internal/traceevent"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func (e *environment) getHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// postTrace processes the trace in the request body, stores the results
// and returns the profile summary.
func (e *environment) postTrace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := hubFromContext(ctx)
	received := time.Now()

	params, logger, ok := httputil.GetIntQueryParameters(w, r, "pid")
	if !ok {
		return
	}
	opts := e.profileOptions()
	opts.Ingest = ingest.Options{
		ProcessIDs:            params["pid"],
		IncludeChildProcesses: r.URL.Query().Get("include_children") == "true",
	}
	opts.SynthesizeMissingStacks = r.URL.Query().Get("synthesize_missing_stacks") == "true"

	if e.config.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.ProcessTimeout)
		defer cancel()
	}

	src, err := traceevent.NewJSONReader(r.Body)
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	p, err := profile.Load(ctx, src, opts)
	if err != nil {
		logger.Err(err).Msg("trace can't be processed")
		hub.CaptureException(err)
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}
	hub.Scope().SetTag("profile_id", p.ID)
	summary := p.Summary(e.config.MinNodeWeight)

	s := sentry.StartSpan(ctx, "gcs.write")
	s.Description = "Write summary"
	err = storageutil.CompressedWrite(ctx, e.storage, profile.SummaryStoragePath(p.ID), summary)
	if err == nil {
		s.Description = "Write speedscope profile"
		err = storageutil.CompressedWrite(ctx, e.storage, profile.SpeedscopeStoragePath(p.ID), speedscope.FromProfile(p))
	}
	if err == nil {
		s.Description = "Write pprof profile"
		var buf bytes.Buffer
		err = pprofutil.Write(&buf, p)
		if err == nil {
			err = storageutil.Write(ctx, e.storage, profile.PprofStoragePath(p.ID), pprofutil.ContentType, buf.Bytes())
		}
	}
	s.Finish()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			w.WriteHeader(http.StatusTooManyRequests)
		} else {
			hub.CaptureException(err)
			if code := gcerrors.Code(err); code == gcerrors.FailedPrecondition {
				w.WriteHeader(http.StatusPreconditionFailed)
			} else {
				w.WriteHeader(http.StatusInternalServerError)
			}
		}
		return
	}

	if len(p.TopFunctions) > 0 {
		s = sentry.StartSpan(ctx, "processing")
		s.Description = "Send functions to Kafka"
		b, err := json.Marshal(buildFunctionsKafkaMessage(p, e.config.Environment, received))
		if err == nil {
			err = e.functionsWriter.WriteMessages(ctx, kafka.Message{
				Topic: e.config.FunctionsKafkaTopic,
				Key:   []byte(p.ID),
				Value: b,
			})
		}
		s.Finish()
		if err != nil {
			hub.CaptureException(err)
			log.Warn().Err(err).Str("profile_id", p.ID).Msg("function metrics not sent")
		}
	}

	s = sentry.StartSpan(ctx, "json.marshal")
	s.Description = "Marshal summary"
	b, err := json.Marshal(summary)
	s.Finish()
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	logger.Info().
		Str("profile_id", p.ID).
		Int("samples", summary.SampleCount).
		Bool("canceled", summary.TraceInfo.Canceled).
		Msg("trace processed")

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/profiles/"+p.ID)
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(b)
}

func (e *environment) getProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := hubFromContext(ctx)
	profileID := httprouter.ParamsFromContext(ctx).ByName("profile_id")
	hub.Scope().SetTag("profile_id", profileID)

	s := sentry.StartSpan(ctx, "gcs.read")
	s.Description = "Read summary"
	var summary profile.Summary
	err := storageutil.UnmarshalCompressed(ctx, e.storage, profile.SummaryStoragePath(profileID), &summary)
	s.Finish()
	if err != nil {
		writeStorageError(w, hub, err)
		return
	}

	s = sentry.StartSpan(ctx, "json.marshal")
	defer s.Finish()
	b, err := json.Marshal(summary)
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (e *environment) getProfileSpeedscope(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := hubFromContext(ctx)
	profileID := httprouter.ParamsFromContext(ctx).ByName("profile_id")
	hub.Scope().SetTag("profile_id", profileID)

	s := sentry.StartSpan(ctx, "gcs.read")
	s.Description = "Read speedscope profile"
	var o speedscope.Output
	err := storageutil.UnmarshalCompressed(ctx, e.storage, profile.SpeedscopeStoragePath(profileID), &o)
	s.Finish()
	if err != nil {
		writeStorageError(w, hub, err)
		return
	}

	b, err := json.Marshal(o)
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(profileID+".speedscope.json"))
	_, _ = w.Write(b)
}

func (e *environment) getProfilePprof(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := hubFromContext(ctx)
	profileID := httprouter.ParamsFromContext(ctx).ByName("profile_id")
	hub.Scope().SetTag("profile_id", profileID)

	s := sentry.StartSpan(ctx, "gcs.read")
	s.Description = "Read pprof profile"
	data, contentType, err := storageutil.Read(ctx, e.storage, profile.PprofStoragePath(profileID))
	s.Finish()
	if err != nil {
		writeStorageError(w, hub, err)
		return
	}
	if contentType == "" {
		contentType = pprofutil.ContentType
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}

func hubFromContext(ctx context.Context) *sentry.Hub {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		return hub
	}
	return sentry.CurrentHub()
}

func writeStorageError(w http.ResponseWriter, hub *sentry.Hub, err error) {
	switch {
	case errors.Is(err, storageutil.ErrObjectNotFound):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		w.WriteHeader(http.StatusTooManyRequests)
	default:
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}
