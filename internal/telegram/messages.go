package telegram

import "html"

func startWelcomeMessage() string {
	return `🎯 <b>Welcome to PrismaX AI Queue Monitor!</b>

✅ Your Telegram is now linked to the queue monitoring system.

You'll receive instant notifications when it's your turn to operate the robotic arm!

🔔 <b>What you'll get:</b>
• 5 urgent notifications over 2 minutes
• Direct link to join the queue
• Real-time updates

<i>If you registered with a different Telegram username, please update your registration on the website.</i>

🤖 <b>Bot Status:</b> Active and ready!`
}

func helpMessage(queueURL string) string {
	return `ℹ️ <b>PrismaX AI Queue Monitor Bot</b>

<b>Available Commands:</b>
/start - Link your Telegram account

<b>How it works:</b>
1. Register on the PrismaX AI website with your Telegram username
2. Click the bot initialization link
3. Send /start to this bot
4. Receive instant queue notifications!

🔗 Visit: ` + html.EscapeString(queueURL)
}

func missingUsernameMessage() string {
	return `⚠️ Your Telegram account has no username, so it cannot be matched to a registration.

Set a username in Telegram settings, register it on the PrismaX AI website, then send /start again.`
}

func linkFailedMessage(username string) string {
	return "❌ There was an error linking your Telegram account. Please make sure you're registered on the PrismaX AI website with this Telegram username (@" +
		html.EscapeString(username) + ")."
}
