package plugin

import (
	"encoding/json"
	"log/slog"
	"time"

	glua "github.com/yuin/gopher-lua"

	"github.com/colloq/colloq/internal/plugin/capability"
	"github.com/colloq/colloq/internal/plugin/hook"
	"github.com/colloq/colloq/internal/queue"
	"github.com/colloq/colloq/internal/storage"
)

// hostModule is the loader for the colloq Lua module. It is the plugin's
// entire view of the host: every function below goes through the plugin's
// capability context or job queue, so the permission grant applies uniformly.
//
// Bindings raise Lua errors on failure; plugin code can pcall around them.
func (h *Host) hostModule(L *glua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "version", glua.LString(h.manifest.APIVersion))
	L.SetField(mod, "plugin", glua.LString(h.name))

	if cfg, err := h.bridge.JSONToLua(h.caps.Config); err == nil {
		L.SetField(mod, "config", cfg)
	} else {
		L.SetField(mod, "config", L.NewTable())
	}

	L.SetField(mod, "on", L.NewFunction(h.luaOn))

	subModule(L, mod, "log", map[string]glua.LGFunction{
		"debug": h.luaLog(slog.LevelDebug),
		"info":  h.luaLog(slog.LevelInfo),
		"warn":  h.luaLog(slog.LevelWarn),
		"error": h.luaLog(slog.LevelError),
	})
	subModule(L, mod, "jobs", map[string]glua.LGFunction{
		"enqueue": h.luaJobEnqueue,
		"handler": h.luaJobHandler,
		"extend":  h.luaJobExtend,
	})
	subModule(L, mod, "kv", map[string]glua.LGFunction{
		"get":    h.luaKVGet,
		"set":    h.luaKVSet,
		"delete": h.luaKVDelete,
		"keys":   h.luaKVKeys,
	})
	subModule(L, mod, "storage", map[string]glua.LGFunction{
		"get":    h.luaStorageGet,
		"put":    h.luaStoragePut,
		"delete": h.luaStorageDelete,
		"list":   h.luaStorageList,
	})
	subModule(L, mod, "email", map[string]glua.LGFunction{
		"send": h.luaEmailSend,
	})
	subModule(L, mod, "submissions", map[string]glua.LGFunction{
		"get":           h.luaSubmissionGet,
		"list":          h.luaSubmissionList,
		"update_status": h.luaSubmissionUpdateStatus,
	})
	subModule(L, mod, "users", map[string]glua.LGFunction{
		"get":         h.luaUserGet,
		"list":        h.luaUserList,
		"update_role": h.luaUserUpdateRole,
	})
	subModule(L, mod, "events", map[string]glua.LGFunction{
		"get":          h.luaEventGet,
		"list":         h.luaEventList,
		"set_cfp_open": h.luaEventSetCFPOpen,
	})
	subModule(L, mod, "reviews", map[string]glua.LGFunction{
		"list":   h.luaReviewList,
		"create": h.luaReviewCreate,
	})
	subModule(L, mod, "slots", map[string]glua.LGFunction{
		"register": h.luaSlotRegister,
	})

	L.Push(mod)
	return 1
}

func subModule(L *glua.LState, mod *glua.LTable, name string, funcs map[string]glua.LGFunction) {
	t := L.NewTable()
	for fname, fn := range funcs {
		L.SetField(t, fname, L.NewFunction(fn))
	}
	L.SetField(mod, name, t)
}

// colloq.on(hook, fn) subscribes fn to a hook the manifest declares.
func (h *Host) luaOn(L *glua.LState) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)
	if !hook.Known(name) {
		L.RaiseError("unknown hook %q", name)
	}
	if !h.manifest.HasHook(name) {
		L.RaiseError("hook %q is not declared in the manifest", name)
	}
	h.mu.Lock()
	h.hookHandlers[name] = fn
	h.mu.Unlock()
	return 0
}

func (h *Host) luaLog(level slog.Level) glua.LGFunction {
	return func(L *glua.LState) int {
		msg := L.CheckString(1)
		var args []any
		if tbl, ok := L.Get(2).(*glua.LTable); ok {
			for k, v := range h.bridge.TableToMap(tbl) {
				args = append(args, k, v)
			}
		}
		h.caps.Logger.Log(h.execCtx(), level, msg, args...)
		return 0
	}
}

// colloq.jobs.enqueue(type, payload, opts) schedules background work.
// Options: max_attempts, priority, delay_seconds, lock_timeout_seconds.
func (h *Host) luaJobEnqueue(L *glua.LState) int {
	jobType := L.CheckString(1)

	var payload json.RawMessage
	if v := L.Get(2); v != glua.LNil {
		data, err := h.bridge.LuaToJSON(v)
		if err != nil {
			L.RaiseError("jobs.enqueue: %v", err)
		}
		payload = data
	}

	var opts []queue.EnqueueOption
	if tbl, ok := L.Get(3).(*glua.LTable); ok {
		if n, ok := h.bridge.GetTableInt(tbl, "max_attempts"); ok {
			opts = append(opts, queue.WithMaxAttempts(n))
		}
		if n, ok := h.bridge.GetTableInt(tbl, "priority"); ok {
			opts = append(opts, queue.WithPriority(n))
		}
		if n, ok := h.bridge.GetTableInt(tbl, "delay_seconds"); ok {
			opts = append(opts, queue.WithRunAt(time.Now().Add(time.Duration(n)*time.Second)))
		}
		if n, ok := h.bridge.GetTableInt(tbl, "lock_timeout_seconds"); ok {
			opts = append(opts, queue.WithLockTimeout(time.Duration(n)*time.Second))
		}
	}

	job, err := h.queue.Enqueue(h.execCtx(), h.id, jobType, payload, opts...)
	if err != nil {
		L.RaiseError("jobs.enqueue: %v", err)
	}
	L.Push(glua.LString(job.ID))
	return 1
}

// colloq.jobs.handler(type, fn) registers fn to process jobs of a type.
func (h *Host) luaJobHandler(L *glua.LState) int {
	jobType := L.CheckString(1)
	fn := L.CheckFunction(2)
	h.mu.Lock()
	h.jobHandlers[jobType] = fn
	h.mu.Unlock()
	return 0
}

// colloq.jobs.extend() refreshes the lock of the job currently executing.
func (h *Host) luaJobExtend(L *glua.LState) int {
	lease := h.jobLease()
	if lease.id == "" {
		L.RaiseError("jobs.extend: no job is executing")
	}
	if err := h.queue.ExtendLock(h.execCtx(), lease.id, lease.workerID); err != nil {
		L.RaiseError("jobs.extend: %v", err)
	}
	return 0
}

func (h *Host) luaKVGet(L *glua.LState) int {
	key := L.CheckString(1)
	raw, ok, err := h.caps.KV.Get(h.execCtx(), key)
	if err != nil {
		L.RaiseError("kv.get: %v", err)
	}
	if !ok {
		L.Push(glua.LNil)
		return 1
	}
	lv, err := h.bridge.JSONToLua(raw)
	if err != nil {
		L.RaiseError("kv.get: %v", err)
	}
	L.Push(lv)
	return 1
}

func (h *Host) luaKVSet(L *glua.LState) int {
	key := L.CheckString(1)
	value, err := h.bridge.LuaToJSON(L.CheckAny(2))
	if err != nil {
		L.RaiseError("kv.set: %v", err)
	}
	if err := h.caps.KV.Set(h.execCtx(), key, value); err != nil {
		L.RaiseError("kv.set: %v", err)
	}
	return 0
}

func (h *Host) luaKVDelete(L *glua.LState) int {
	if err := h.caps.KV.Delete(h.execCtx(), L.CheckString(1)); err != nil {
		L.RaiseError("kv.delete: %v", err)
	}
	return 0
}

func (h *Host) luaKVKeys(L *glua.LState) int {
	keys, err := h.caps.KV.Keys(h.execCtx())
	if err != nil {
		L.RaiseError("kv.keys: %v", err)
	}
	L.Push(h.bridge.ToLuaValue(keys))
	return 1
}

func (h *Host) luaStorageGet(L *glua.LState) int {
	data, err := h.caps.Storage.Get(h.execCtx(), L.CheckString(1))
	if err != nil {
		L.RaiseError("storage.get: %v", err)
	}
	L.Push(glua.LString(data))
	return 1
}

func (h *Host) luaStoragePut(L *glua.LState) int {
	key := L.CheckString(1)
	data := L.CheckString(2)
	if err := h.caps.Storage.Put(h.execCtx(), key, []byte(data)); err != nil {
		L.RaiseError("storage.put: %v", err)
	}
	return 0
}

func (h *Host) luaStorageDelete(L *glua.LState) int {
	if err := h.caps.Storage.Delete(h.execCtx(), L.CheckString(1)); err != nil {
		L.RaiseError("storage.delete: %v", err)
	}
	return 0
}

func (h *Host) luaStorageList(L *glua.LState) int {
	prefix := L.OptString(1, "")
	keys, err := h.caps.Storage.List(h.execCtx(), prefix)
	if err != nil {
		L.RaiseError("storage.list: %v", err)
	}
	L.Push(h.bridge.ToLuaValue(keys))
	return 1
}

// colloq.email.send{to=..., subject=..., body=..., headers=...}
// to accepts a single address or an array of addresses.
func (h *Host) luaEmailSend(L *glua.LState) int {
	tbl := L.CheckTable(1)

	var msg capability.Message
	switch to := tbl.RawGetString("to").(type) {
	case glua.LString:
		msg.To = []string{string(to)}
	case *glua.LTable:
		to.ForEach(func(_, v glua.LValue) {
			msg.To = append(msg.To, v.String())
		})
	default:
		L.RaiseError("email.send: to is required")
	}
	msg.Subject, _ = h.bridge.GetTableString(tbl, "subject")
	msg.Body, _ = h.bridge.GetTableString(tbl, "body")
	if headers, ok := h.bridge.GetTableTable(tbl, "headers"); ok {
		msg.Headers = make(map[string]string)
		headers.ForEach(func(k, v glua.LValue) {
			msg.Headers[k.String()] = v.String()
		})
	}

	if err := h.caps.Email.Send(h.execCtx(), msg); err != nil {
		L.RaiseError("email.send: %v", err)
	}
	return 0
}

func (h *Host) luaSubmissionGet(L *glua.LState) int {
	sub, err := h.caps.Submissions.Get(h.execCtx(), L.CheckString(1))
	if err != nil {
		L.RaiseError("submissions.get: %v", err)
	}
	L.Push(h.submissionTable(sub))
	return 1
}

func (h *Host) luaSubmissionList(L *glua.LState) int {
	subs, err := h.caps.Submissions.List(h.execCtx(), L.CheckString(1))
	if err != nil {
		L.RaiseError("submissions.list: %v", err)
	}
	out := L.NewTable()
	for i, sub := range subs {
		out.RawSetInt(i+1, h.submissionTable(sub))
	}
	L.Push(out)
	return 1
}

func (h *Host) luaSubmissionUpdateStatus(L *glua.LState) int {
	id := L.CheckString(1)
	status := L.CheckString(2)
	if err := h.caps.Submissions.UpdateStatus(h.execCtx(), id, status); err != nil {
		L.RaiseError("submissions.update_status: %v", err)
	}
	return 0
}

func (h *Host) luaUserGet(L *glua.LState) int {
	user, err := h.caps.Users.Get(h.execCtx(), L.CheckString(1))
	if err != nil {
		L.RaiseError("users.get: %v", err)
	}
	L.Push(h.userTable(user))
	return 1
}

func (h *Host) luaUserList(L *glua.LState) int {
	users, err := h.caps.Users.List(h.execCtx())
	if err != nil {
		L.RaiseError("users.list: %v", err)
	}
	out := L.NewTable()
	for i, user := range users {
		out.RawSetInt(i+1, h.userTable(user))
	}
	L.Push(out)
	return 1
}

func (h *Host) luaUserUpdateRole(L *glua.LState) int {
	id := L.CheckString(1)
	role := L.CheckString(2)
	if err := h.caps.Users.UpdateRole(h.execCtx(), id, role); err != nil {
		L.RaiseError("users.update_role: %v", err)
	}
	return 0
}

func (h *Host) luaEventGet(L *glua.LState) int {
	event, err := h.caps.Events.Get(h.execCtx(), L.CheckString(1))
	if err != nil {
		L.RaiseError("events.get: %v", err)
	}
	L.Push(h.eventTable(event))
	return 1
}

func (h *Host) luaEventList(L *glua.LState) int {
	events, err := h.caps.Events.List(h.execCtx())
	if err != nil {
		L.RaiseError("events.list: %v", err)
	}
	out := L.NewTable()
	for i, event := range events {
		out.RawSetInt(i+1, h.eventTable(event))
	}
	L.Push(out)
	return 1
}

func (h *Host) luaEventSetCFPOpen(L *glua.LState) int {
	id := L.CheckString(1)
	open := L.CheckBool(2)
	if err := h.caps.Events.SetCFPOpen(h.execCtx(), id, open); err != nil {
		L.RaiseError("events.set_cfp_open: %v", err)
	}
	return 0
}

func (h *Host) luaReviewList(L *glua.LState) int {
	reviews, err := h.caps.Reviews.List(h.execCtx(), L.CheckString(1))
	if err != nil {
		L.RaiseError("reviews.list: %v", err)
	}
	out := L.NewTable()
	for i, rev := range reviews {
		out.RawSetInt(i+1, h.reviewTable(rev))
	}
	L.Push(out)
	return 1
}

func (h *Host) luaReviewCreate(L *glua.LState) int {
	tbl := L.CheckTable(1)
	var rev storage.Review
	rev.SubmissionID, _ = h.bridge.GetTableString(tbl, "submission_id")
	rev.ReviewerID, _ = h.bridge.GetTableString(tbl, "reviewer_id")
	rev.Score, _ = h.bridge.GetTableInt(tbl, "score")
	rev.Comment, _ = h.bridge.GetTableString(tbl, "comment")
	if err := h.caps.Reviews.Create(h.execCtx(), rev); err != nil {
		L.RaiseError("reviews.create: %v", err)
	}
	return 0
}

// colloq.slots.register(slot, component, order) claims a UI slot.
func (h *Host) luaSlotRegister(L *glua.LState) int {
	reg := SlotRegistration{
		Slot:      L.CheckString(1),
		Component: L.CheckString(2),
		Order:     L.OptInt(3, 0),
	}
	h.mu.Lock()
	h.slots = append(h.slots, reg)
	h.mu.Unlock()
	return 0
}

func (h *Host) submissionTable(s storage.Submission) glua.LValue {
	return h.bridge.ToLuaValue(map[string]any{
		"id":         s.ID,
		"event_id":   s.EventID,
		"speaker_id": s.SpeakerID,
		"title":      s.Title,
		"abstract":   s.Abstract,
		"status":     s.Status,
	})
}

func (h *Host) userTable(u storage.User) glua.LValue {
	return h.bridge.ToLuaValue(map[string]any{
		"id":    u.ID,
		"name":  u.Name,
		"email": u.Email,
		"role":  u.Role,
	})
}

func (h *Host) eventTable(e storage.Event) glua.LValue {
	return h.bridge.ToLuaValue(map[string]any{
		"id":        e.ID,
		"name":      e.Name,
		"slug":      e.Slug,
		"published": e.Published,
		"cfp_open":  e.CFPOpen,
	})
}

func (h *Host) reviewTable(r storage.Review) glua.LValue {
	return h.bridge.ToLuaValue(map[string]any{
		"id":            r.ID,
		"submission_id": r.SubmissionID,
		"reviewer_id":   r.ReviewerID,
		"score":         r.Score,
		"comment":       r.Comment,
	})
}
