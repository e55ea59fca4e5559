package ipc

import (
	"github.com/godbus/dbus/v5/introspect"
)

func arg(name, typ, dir string) introspect.Arg {
	return introspect.Arg{Name: name, Type: typ, Direction: dir}
}

// introspectNode describes the signer object for org.freedesktop.DBus.Introspectable.
func introspectNode() *introspect.Node {
	return &introspect.Node{
		Name: string(ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: Interface,
				Methods: []introspect.Method{
					{Name: "SignEvent", Args: []introspect.Arg{
						arg("event_json", "s", "in"),
						arg("identity", "s", "in"),
						arg("app_id", "s", "in"),
						arg("signed_event_json", "s", "out"),
					}},
					{Name: "ApproveRequest", Args: []introspect.Arg{
						arg("request_id", "s", "in"),
						arg("decision", "b", "in"),
						arg("remember", "b", "in"),
						arg("ttl_seconds", "t", "in"),
						arg("ok", "b", "out"),
					}},
					{Name: "ListPending", Args: []introspect.Arg{
						arg("requests", "a(sssss)", "out"),
					}},
					{Name: "StoreKey", Args: []introspect.Arg{
						arg("key", "s", "in"),
						arg("identity", "s", "in"),
						arg("ok", "b", "out"),
						arg("npub", "s", "out"),
					}},
					{Name: "ClearKey", Args: []introspect.Arg{
						arg("identity", "s", "in"),
						arg("ok", "b", "out"),
					}},
					{Name: "ListAccounts", Args: []introspect.Arg{
						arg("accounts", "a(ssbbs)", "out"),
					}},
					{Name: "SetActive", Args: []introspect.Arg{
						arg("id", "s", "in"),
						arg("ok", "b", "out"),
					}},
					{Name: "GetPublicKey", Args: []introspect.Arg{
						arg("npub", "s", "out"),
					}},
					{Name: "GetRelays", Args: []introspect.Arg{
						arg("relays_json", "s", "out"),
					}},
				},
				Signals: []introspect.Signal{
					{Name: SignalApprovalRequested, Args: []introspect.Arg{
						{Name: "app_id", Type: "s"},
						{Name: "identity", Type: "s"},
						{Name: "kind", Type: "s"},
						{Name: "preview", Type: "s"},
						{Name: "request_id", Type: "s"},
					}},
					{Name: SignalApprovalCompleted, Args: []introspect.Arg{
						{Name: "request_id", Type: "s"},
						{Name: "decision", Type: "b"},
					}},
					{Name: SignalAccountsChanged, Args: []introspect.Arg{
						{Name: "change_kind", Type: "s"},
						{Name: "id", Type: "s"},
					}},
					{Name: SignalRelaysChanged, Args: []introspect.Arg{
						{Name: "identity", Type: "s"},
					}},
				},
			},
		},
	}
}
