// Package plugin implements the extension runtime: manifest parsing and
// validation, the per-plugin Lua host, and the registry that keeps durable
// plugin records, the hook dispatcher, the slot registry and the job queue
// in agreement.
//
// A plugin is a directory holding manifest.json and a Lua entry script. The
// manifest declares identity, the permission grant and the hooks the plugin
// may subscribe to; the script registers handlers through the colloq module:
//
//	local colloq = require("colloq")
//
//	colloq.on("submission.created", function(payload)
//	    colloq.jobs.enqueue("notify", { submission_id = payload.id })
//	end)
//
//	colloq.jobs.handler("notify", function(payload)
//	    colloq.email.send({
//	        to = "program@example.org",
//	        subject = "New submission",
//	        body = payload.submission_id,
//	    })
//	end)
//
// Lifecycle: Register installs a plugin and runs its entry script, but the
// plugin starts disabled. Enable runs the optional enable() callback and,
// only on success, flips the durable enabled flag and wires the plugin's
// hooks, job handlers and slots into the live dispatchers. Disable always
// lands in the disabled state, unwires dispatch and cancels outstanding
// jobs. Unregister additionally purges the plugin's key-value namespace and
// deletes the durable record.
//
// Every host call from Lua goes through the plugin's capability context, so
// the manifest's permission grant applies uniformly whether the call happens
// during load, inside a hook handler or inside a job handler.
package plugin
