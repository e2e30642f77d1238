package bot

const (
	textUnauthorized   = "You are not authorized to use this bot."
	textUnknownCommand = "Unknown command. Try /help"
	textBusy           = "Busy, try again in a moment."
	textFailed         = "Something went wrong. Please try again."
	textUnsupported    = "Send a text message or a photo, or forward a post."
	textNoChannels     = "No channels yet. Add me to a channel or group as an administrator first."
	textNoDraft        = "This draft is gone. Send the post again."
	textReplacedDraft  = "Replaced by a newer draft."
	textSelectOne      = "Select at least one channel."
	textAlreadySending = "A broadcast is already running."
	textCancelled      = "Broadcast cancelled."
	textNothingPending = "Nothing to cancel."
	textEditCancelled  = "Edit cancelled."
	textNoStore        = "Activity history is not available: storage is not configured."
	textNoActivities   = "No broadcasts yet."
	textActivityGone   = "This broadcast no longer exists."
	textNotEditable    = "Only text posts sent directly can be edited."
	textEditPrompt     = "Send the new text for this post. /cancel to abort."
	textEditNeedsText  = "Send plain text to replace this post, or /cancel."

	textHelp = "Send me a message or forward a post, then pick the channels to publish it to.\n\n" +
		"/activity lists recent broadcasts; open one to delete or edit it.\n" +
		"/cancel drops the current draft or edit.\n" +
		"/status shows the dispatcher queue."
)
