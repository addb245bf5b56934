package rcon

import "strings"

// Classification buckets an admin command for observability. It never
// affects how the command is sent.
type Classification string

const (
	ClassSaveWorld   Classification = "saveworld"
	ClassShutdown    Classification = "shutdown"
	ClassBroadcast   Classification = "broadcast"
	ClassKick        Classification = "kick"
	ClassBan         Classification = "ban"
	ClassTeleport    Classification = "teleport"
	ClassSpawn       Classification = "spawn"
	ClassGive        Classification = "give"
	ClassListPlayers Classification = "listplayers"
	ClassListTribes  Classification = "listtribes"
	ClassOther       Classification = "other"
)

// Classify derives the classification from the command verb
func Classify(command string) Classification {
	verb := command
	if i := strings.IndexAny(verb, " \t"); i >= 0 {
		verb = verb[:i]
	}

	switch strings.ToLower(verb) {
	case "saveworld":
		return ClassSaveWorld
	case "doexit", "shutdown", "shutdownserver":
		return ClassShutdown
	case "broadcast", "serverchat", "serverchatto":
		return ClassBroadcast
	case "kickplayer":
		return ClassKick
	case "banplayer", "unbanplayer":
		return ClassBan
	case "teleport", "teleportplayeridtome", "teleportplayernametome", "teleporttoplayer", "setplayerpos", "tpcoords":
		return ClassTeleport
	case "summon", "summontamed", "spawndino", "spawnactor", "spawnactortame":
		return ClassSpawn
	case "giveitem", "giveitemnum", "giveitemtoplayer", "giveitemnumtoplayer", "giveresources", "giveengrams":
		return ClassGive
	case "listplayers":
		return ClassListPlayers
	case "listtribes":
		return ClassListTribes
	default:
		return ClassOther
	}
}
