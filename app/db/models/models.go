package models

// Models lists every table migrated by db.Migrate, dependency order first.
var Models = []interface{}{
	&Workflow{},
	&Task{},
	&InboxItem{},
	&HandlerRun{},
	&Event{},
	&EventCause{},
	&Input{},
	&Mutation{},
}
